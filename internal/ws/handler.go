package ws

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/polbro/pollsync/internal/hub"
	"github.com/polbro/pollsync/pkg/protocol"
	"github.com/polbro/pollsync/internal/room"
)

const writeTimeout = 3 * time.Second

// Handler upgrades one browsing context's connection and bridges it to the
// room actors. The credential is attached once at handshake time; it is
// opaque here and forwarded unchanged to the backend on submit.
func Handler(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cred := bearerCredential(r)
		if cred == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := randID(6)
		log = log.With(zap.String("client", clientID))
		out := make(chan protocol.ServerMessage, 8)

		var joined *room.Room
		var joinedCode string
		defer func() {
			if joined != nil {
				joined.Inbox() <- room.Leave{ClientID: clientID}
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case msg := <-out:
					payload, _ := json.Marshal(msg)
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = conn.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				// Treat clean close/going-away as normal:
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Otherwise, just exit (room.Leave in defer):
				return
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				sendException(out, "bad json")
				continue
			}

			switch cm.Type {
			case protocol.TypeJoin:
				if cm.Room == "" {
					sendException(out, "missing room code")
					continue
				}
				if joined != nil && joinedCode == cm.Room {
					continue // already joined, no-op
				}
				if joined != nil {
					joined.Inbox() <- room.Leave{ClientID: clientID}
				}

				reply := make(chan *room.Room, 1)
				h.Inbox() <- hub.EnsureRoom{Code: cm.Room, Reply: reply}
				rm := <-reply
				if rm == nil {
					sendException(out, "room unavailable")
					continue
				}
				rm.Inbox() <- room.Join{ClientID: clientID, Outbox: out}
				joined, joinedCode = rm, cm.Room
				log.Info("joined room", zap.String("room", cm.Room))

			case protocol.TypeSubmit:
				if joined == nil || cm.Room != joinedCode {
					sendException(out, "submit to unjoined room")
					continue
				}
				joined.Inbox() <- room.Submit{
					ClientID:   clientID,
					OptionID:   cm.OptionID,
					Credential: cred,
				}

			default:
				sendException(out, "unknown type")
			}
		}
	}
}

// sendException queues a protocol rejection on the client's outbox so all
// writes funnel through the single writer goroutine. Dropped if the outbox
// is full; the room actor will evict the client on its next broadcast.
func sendException(out chan protocol.ServerMessage, msg string) {
	select {
	case out <- protocol.Exception(msg):
	default:
	}
}

// bearerCredential pulls the opaque token from the Authorization header, or
// from the token query parameter for browser clients that cannot set
// headers on the websocket handshake.
func bearerCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func randID(length int) string {
	// Not sure how complex the clientID should be. Could make it a uuid but that may be too complicated for our purposes.
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
