package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opentranslive/server/domain/entities"
	"github.com/opentranslive/server/internal/websocket"
)

const watchHandshakeTimeout = 10 * time.Second

func newWatchCmd(app *app) *cobra.Command {
	var (
		after  int64
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session transcript as a viewer",
		Long: "watch joins a session room over the websocket and prints every segment in sequence " +
			"order. --after replays history first; -1 follows live updates only.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := entities.ValidateSessionID(args[0]); err != nil {
				return err
			}
			if app.cfg.Capture.ServerURL == "" {
				return errors.New("a server URL is required (--server or SERVER_URL)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := &watcher{
				serverURL: strings.TrimRight(app.cfg.Capture.ServerURL, "/"),
				sessionID: args[0],
				out:       cmd.OutOrStdout(),
				asJSON:    asJSON,
				lastSeen:  after,
				logger:    app.logger,
			}
			err := w.run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("server", "", "server base URL (SERVER_URL)")
	cmd.Flags().Int64Var(&after, "after", 0, "replay segments after this sequence number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print each segment as a JSON line")
	bindFlag(cmd, "capture.server_url", "server")

	return cmd
}

type watcher struct {
	serverURL string
	sessionID string
	out       io.Writer
	asJSON    bool
	lastSeen  int64
	logger    *zap.Logger
}

// run returns nil when the session is torn down on the server.
func (w *watcher) run(ctx context.Context) error {
	wsURL, err := url.Parse(w.serverURL + "/ws")
	if err != nil {
		return fmt.Errorf("server url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	case "http":
		wsURL.Scheme = "ws"
	default:
		return fmt.Errorf("server url must be http or https, got %q", w.serverURL)
	}

	dialer := gorilla.Dialer{HandshakeTimeout: watchHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connection failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connection failed: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	join := websocket.JoinSessionMessage{
		BaseMessage: websocket.BaseMessage{Type: websocket.MessageTypeJoinSession},
		SessionID:   w.sessionID,
	}
	if w.lastSeen >= 0 {
		lastSeen := w.lastSeen
		join.LastSeenSeq = &lastSeen
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join session: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		done, err := w.handle(ctx, data)
		if err != nil || done {
			return err
		}
	}
}

func (w *watcher) handle(ctx context.Context, data []byte) (bool, error) {
	var base websocket.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		w.logger.Warn("Ignoring malformed event", zap.Error(err))
		return false, nil
	}

	switch base.Type {
	case websocket.MessageTypeTranscriptionUpdate:
		var msg websocket.TranscriptionUpdateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("decode update: %w", err)
		}
		return false, w.print(msg.Segment)

	case websocket.MessageTypeResyncRequired:
		return false, w.resync(ctx)

	case websocket.MessageTypeSessionClosed:
		w.logger.Info("Session closed", zap.String("session_id", w.sessionID))
		return true, nil

	case websocket.MessageTypeError:
		var msg websocket.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("decode error event: %w", err)
		}
		return true, fmt.Errorf("server error %s: %s", msg.Code, msg.Message)

	case websocket.MessageTypeJoinedSession:
		w.logger.Debug("Joined session", zap.String("session_id", w.sessionID))
	}
	return false, nil
}

// resync pulls the segments the server declined to replay over the socket.
func (w *watcher) resync(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/sessions/%s/segments?all=true", w.serverURL, url.PathEscape(w.sessionID))
	if w.lastSeen >= 0 {
		endpoint += "&after=" + strconv.FormatInt(w.lastSeen, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resync: unexpected status %d", resp.StatusCode)
	}

	var segs []entities.TranscriptSegment
	if err := json.NewDecoder(resp.Body).Decode(&segs); err != nil {
		return fmt.Errorf("resync: decode: %w", err)
	}
	for _, seg := range segs {
		if err := w.print(seg); err != nil {
			return err
		}
	}
	return nil
}

// print writes seg once. Segments at or below the last printed sequence are skipped, so
// a resync racing live updates never duplicates lines.
func (w *watcher) print(seg entities.TranscriptSegment) error {
	if int64(seg.SequenceNo) <= w.lastSeen {
		return nil
	}
	w.lastSeen = int64(seg.SequenceNo)

	if w.asJSON {
		line, err := json.Marshal(seg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w.out, string(line))
		return err
	}

	text := seg.CorrectedText
	if text == "" {
		text = seg.RawText
	}
	if _, err := fmt.Fprintf(w.out, "#%d [%.2f-%.2f] %s\n", seg.SequenceNo, seg.StartTime, seg.EndTime, text); err != nil {
		return err
	}
	langs := make([]string, 0, len(seg.Translations))
	for lang := range seg.Translations {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		if _, err := fmt.Fprintf(w.out, "    %s: %s\n", lang, seg.Translations[lang]); err != nil {
			return err
		}
	}
	return nil
}
