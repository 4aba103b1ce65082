// Package sqlite stores transcript segments in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

// ErrDuplicateSegment is returned when a (session_id, sequence_no) pair already exists.
var ErrDuplicateSegment = errors.New("segment already stored")

const schema = `
	CREATE TABLE IF NOT EXISTS segments (
		session_id TEXT NOT NULL,
		sequence_no INTEGER NOT NULL,
		ref TEXT NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		message TEXT NOT NULL,
		corrected TEXT NOT NULL DEFAULT '',
		translated TEXT NOT NULL DEFAULT '{}',
		special_keywords TEXT NOT NULL DEFAULT '[]',
		translation_status TEXT NOT NULL,
		missing_languages TEXT NOT NULL DEFAULT '[]',
		created_at REAL NOT NULL,
		PRIMARY KEY (session_id, sequence_no)
	);
`

// SegmentLog implements repositories.SegmentLog on SQLite.
type SegmentLog struct {
	db *sql.DB
}

var _ repositories.SegmentLog = (*SegmentLog)(nil)

// Open opens or creates the database at path with WAL journaling.
func Open(path string) (*SegmentLog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps sequence inserts serialized inside SQLite too.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SegmentLog{db: db}, nil
}

// Append implements repositories.SegmentLog.
func (l *SegmentLog) Append(ctx context.Context, seg entities.TranscriptSegment) error {
	translated, err := json.Marshal(nonNilMap(seg.Translations))
	if err != nil {
		return fmt.Errorf("encode translations: %w", err)
	}
	keywords, err := json.Marshal(nonNilSlice(seg.Keywords))
	if err != nil {
		return fmt.Errorf("encode keywords: %w", err)
	}
	missing, err := json.Marshal(nonNilSlice(seg.MissingLanguages))
	if err != nil {
		return fmt.Errorf("encode missing languages: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO segments (session_id, sequence_no, ref, start_time, end_time, message, corrected,
			translated, special_keywords, translation_status, missing_languages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, seg.SessionID, int64(seg.SequenceNo), seg.Ref, seg.StartTime, seg.EndTime, seg.RawText, seg.CorrectedText,
		string(translated), string(keywords), string(seg.TranslationStatus), string(missing), unixSeconds(seg.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("session %s sequence %d: %w", seg.SessionID, seg.SequenceNo, ErrDuplicateSegment)
		}
		return fmt.Errorf("insert segment: %w", err)
	}
	return nil
}

// Load implements repositories.SegmentLog.
func (l *SegmentLog) Load(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, sequence_no, ref, start_time, end_time, message, corrected,
			translated, special_keywords, translation_status, missing_languages, created_at
		FROM segments
		WHERE session_id = ?
		ORDER BY sequence_no ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	segments := []entities.TranscriptSegment{}
	for rows.Next() {
		var seg entities.TranscriptSegment
		var seq int64
		var translated, keywords, missing, status string
		var createdAt float64
		if err := rows.Scan(&seg.SessionID, &seq, &seg.Ref, &seg.StartTime, &seg.EndTime, &seg.RawText,
			&seg.CorrectedText, &translated, &keywords, &status, &missing, &createdAt); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.SequenceNo = uint64(seq)
		seg.TranslationStatus = entities.TranslationStatus(status)
		seg.CreatedAt = timeFromUnix(createdAt)
		if err := json.Unmarshal([]byte(translated), &seg.Translations); err != nil {
			return nil, fmt.Errorf("decode translations: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &seg.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
		if err := json.Unmarshal([]byte(missing), &seg.MissingLanguages); err != nil {
			return nil, fmt.Errorf("decode missing languages: %w", err)
		}
		if len(seg.MissingLanguages) == 0 {
			seg.MissingLanguages = nil
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Delete implements repositories.SegmentLog.
func (l *SegmentLog) Delete(ctx context.Context, sessionID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM segments WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	return nil
}

// Close implements repositories.SegmentLog.
func (l *SegmentLog) Close(context.Context) error {
	return l.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
