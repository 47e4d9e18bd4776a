package room

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/polbro/pollsync/pkg/poll"
	"github.com/polbro/pollsync/pkg/protocol"
	"github.com/polbro/pollsync/internal/tally"
)

type Msg interface{ isRoomMsg() }

// Join registers a client's outbox. Joining an already-joined room is a no-op.
type Join struct {
	ClientID string
	Outbox   chan protocol.ServerMessage
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

// Submit forwards one vote intent to the backend recorder. The recorder is
// the sole arbiter of acceptance; the room only transports.
type Submit struct {
	ClientID   string
	OptionID   int64
	Credential string
}

func (Submit) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

// View is a test-only reflection of the room's internals, read without races.
type View struct {
	Code       string
	NumClients int
	Options    []poll.Option
}

const recordTimeout = 10 * time.Second

// Room is the broadcast scope for one poll code. It owns the joined clients'
// outbox channels and the latest replacement options published by the backend.
type Room struct {
	code    string
	inbox   chan Msg
	options []poll.Option
	clients map[string]chan protocol.ServerMessage
	rec     tally.Recorder
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, code string, rec tally.Recorder, log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		code:    code,
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan protocol.ServerMessage),
		rec:     rec,
		log:     log.With(zap.String("room", code)),
		ctx:     ctx,
		cancel:  cancel,
	}

	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				if _, ok := r.clients[msg.ClientID]; ok {
					break // idempotent join
				}
				r.clients[msg.ClientID] = msg.Outbox
				r.log.Info("client joined", zap.String("client", msg.ClientID))
				// Clients hold their own snapshot already; only replay the
				// latest options if the room has seen any.
				if r.options != nil {
					msg.Outbox <- protocol.Update(poll.CloneOptions(r.options))
				}

			case Leave:
				delete(r.clients, msg.ClientID)
				r.log.Info("client left", zap.String("client", msg.ClientID))

			case Submit:
				r.handleSubmit(msg)

			case GetState:
				msg.Reply <- View{
					Code:       r.code,
					NumClients: len(r.clients),
					Options:    poll.CloneOptions(r.options),
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleSubmit(msg Submit) {
	ctx, cancel := context.WithTimeout(r.ctx, recordTimeout)
	opts, err := r.rec.Record(ctx, r.code, msg.OptionID, msg.Credential)
	cancel()

	if err != nil {
		r.log.Warn("vote rejected",
			zap.String("client", msg.ClientID),
			zap.Int64("option", msg.OptionID),
			zap.Error(err))
		// Rejection goes to the submitter only; the channel stays open.
		r.sendTo(msg.ClientID, protocol.Exception(err.Error()))
		return
	}

	r.options = poll.CloneOptions(opts)
	r.log.Info("vote recorded",
		zap.String("client", msg.ClientID),
		zap.Int64("option", msg.OptionID))
	r.broadcast(protocol.Update(r.options))
}

// Outboxes are never closed here: the ws layer also queues exceptions on
// them, and closing under a concurrent sender would panic. Dropping a client
// just forgets the channel; the writer goroutine exits with its connection.
func (r *Room) sendTo(clientID string, msg protocol.ServerMessage) {
	ch, ok := r.clients[clientID]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		delete(r.clients, clientID)
	}
}

func (r *Room) broadcast(msg protocol.ServerMessage) {
	for id, ch := range r.clients {
		select {
		case ch <- msg:
			// ok
		default:
			// Client is slow/full - drop them.
			delete(r.clients, id)
			r.log.Warn("dropped slow client", zap.String("client", id))
		}
	}
}

func (r *Room) shutdown() {
	clear(r.clients)
	r.cancel()
}
