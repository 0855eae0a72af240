package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/stream"
)

const relayWriteTimeout = 10 * time.Second

// relayObserver forwards every backend frame to the browser socket.
type relayObserver struct {
	generation.NopObserver

	conn *websocket.Conn
	mu   sync.Mutex
	err  error
}

func (o *relayObserver) OnFrame(data []byte) {
	o.write(websocket.TextMessage, data)
}

func (o *relayObserver) write(messageType int, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	_ = o.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	o.err = o.conn.WriteMessage(messageType, data)
}

func (o *relayObserver) close(code int, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = o.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// handleStream relays one generation session to the browser. The session
// belongs to the server: the browser only watches it, and a second tab for
// the same user supersedes the first.
func (s *Server) handleStream(variant generation.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())

		if variant == generation.VariantSchedule {
			avail, err := s.generations.CheckAvailability(r.Context(), userID)
			if err != nil {
				if errors.Is(err, generation.ErrBackendUnreachable) && avail.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(avail.RetryAfter.Round(time.Second).Seconds())))
				}
				writeJSON(w, StatusFor(err), availabilityBody(avail))
				return
			}
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
			return
		}
		defer conn.Close()

		var input string
		if variant == generation.VariantChat {
			var msg struct {
				Input string `json:"input"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				s.logger.Debug("chat input not received", "user_id", userID, "error", err)
				return
			}
			input = msg.Input
		}

		// The upgraded request's context ends with the handler; the browser
		// leaving is signalled by the read loop below instead.
		ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		observer := &relayObserver{conn: conn}
		result, err := s.generations.Generate(ctx, generation.Request{
			UserID:  userID,
			Variant: variant,
			Input:   input,
		}, observer)

		switch {
		case err == nil:
			s.logger.Info("relay finished", "user_id", userID, "session_id", result.SessionID, "items", len(result.Streamed))
			observer.close(websocket.CloseNormalClosure, "done")
		case errors.Is(err, stream.ErrCancelled), errors.Is(err, context.Canceled):
			observer.close(websocket.CloseNormalClosure, "cancelled")
		default:
			s.logger.Warn("relay failed", "user_id", userID, "error", err)
			if frame, encErr := json.Marshal(map[string]string{"error": err.Error()}); encErr == nil {
				observer.write(websocket.TextMessage, frame)
			}
			observer.close(closeCodeFor(err), "generation failed")
		}
	}
}

func closeCodeFor(err error) int {
	kind, _ := stream.KindOf(err)
	switch kind {
	case stream.KindUnauthenticated:
		return websocket.ClosePolicyViolation
	case stream.KindHandshakeTimeout:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseInternalServerErr
	}
}
