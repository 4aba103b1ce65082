package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/domain/repositories"
)

const segmentsCollection = "segments"

// ErrDuplicateSegment is returned when a (session_id, sequence_no) pair already exists.
var ErrDuplicateSegment = errors.New("segment already stored")

// SegmentLog stores transcript segments, one document per segment.
type SegmentLog struct {
	client     *Client
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.SegmentLog = (*SegmentLog)(nil)

// NewSegmentLog ensures the (session_id, sequence_no) unique index before returning, since
// the store relies on it to reject duplicate sequence numbers.
func NewSegmentLog(ctx context.Context, client *Client, logger *zap.Logger) (*SegmentLog, error) {
	collection := client.Database.Collection(segmentsCollection)

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "sequence_no", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("session_sequence"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetName("created_at"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segment indexes: %w", err)
	}
	logger.Info("Segment indexes created successfully")

	return &SegmentLog{client: client, collection: collection, logger: logger}, nil
}

// Append implements repositories.SegmentLog
func (l *SegmentLog) Append(ctx context.Context, segment entities.TranscriptSegment) error {
	if segment.SessionID == "" {
		return errors.New("segment session ID cannot be empty")
	}
	if _, err := l.collection.InsertOne(ctx, segment); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("session %s sequence %d: %w", segment.SessionID, segment.SequenceNo, ErrDuplicateSegment)
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

// Load implements repositories.SegmentLog
func (l *SegmentLog) Load(ctx context.Context, sessionID string) ([]entities.TranscriptSegment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence_no", Value: 1}})
	cursor, err := l.collection.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find segments for session %s: %w", sessionID, err)
	}
	defer cursor.Close(ctx)

	segments := []entities.TranscriptSegment{}
	if err := cursor.All(ctx, &segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments for session %s: %w", sessionID, err)
	}
	return segments, nil
}

// Delete implements repositories.SegmentLog
func (l *SegmentLog) Delete(ctx context.Context, sessionID string) error {
	result, err := l.collection.DeleteMany(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("failed to delete segments for session %s: %w", sessionID, err)
	}
	l.logger.Info("Deleted session segments",
		zap.String("session_id", sessionID),
		zap.Int64("deleted", result.DeletedCount))
	return nil
}

// Close implements repositories.SegmentLog
func (l *SegmentLog) Close(ctx context.Context) error {
	return l.client.Close(ctx)
}
