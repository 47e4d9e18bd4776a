package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/polbro/pollsync/pkg/poll"
	"github.com/polbro/pollsync/pkg/protocol"
)

// Membership is the protocol state of one room membership. It does not
// survive a transport drop; re-joining is the entry action of every
// reconnect.
type Membership int

const (
	MembershipNotJoined Membership = iota
	MembershipJoining
	MembershipJoined
)

func (m Membership) String() string {
	switch m {
	case MembershipNotJoined:
		return "not-joined"
	case MembershipJoining:
		return "joining"
	case MembershipJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// View is what the render layer reads on every change: the reconciled poll,
// the live/final mode, connection and submission status, and any error to
// surface inline.
type View struct {
	Poll       poll.Poll
	Final      bool
	Connected  bool
	Membership Membership
	Submit     SubmitState
	Err        error
}

// RoomOptions configures one room visit.
type RoomOptions struct {
	Code       string
	BackendURL string // snapshot REST base, e.g. https://backend
	SocketURL  string // live channel endpoint, e.g. wss://relay/ws
	Credential string // opaque bearer token, used unchanged for both
	Logger     *zap.Logger
	HTTPClient *http.Client

	MinBackoff time.Duration
	MaxBackoff time.Duration

	dial Dialer // test seam
}

type roomEvent interface{ isRoomEvent() }

type evConnected struct{}
type evDisconnected struct{ reason error }
type evUpdate struct{ options []poll.Option }
type evException struct{ message string }
type evExpired struct{}

type cmdSelect struct {
	optionID int64
	reply    chan error
}
type cmdSubmit struct{ reply chan error }
type cmdReload struct{ reply chan error }
type cmdView struct{ reply chan View }
type cmdLeave struct{ done chan struct{} }

func (evConnected) isRoomEvent()    {}
func (evDisconnected) isRoomEvent() {}
func (evUpdate) isRoomEvent()       {}
func (evException) isRoomEvent()    {}
func (evExpired) isRoomEvent()      {}
func (cmdSelect) isRoomEvent()      {}
func (cmdSubmit) isRoomEvent()      {}
func (cmdReload) isRoomEvent()      {}
func (cmdView) isRoomEvent()        {}
func (cmdLeave) isRoomEvent()       {}

// RoomClient is the explicitly owned lifecycle of one room visit: created on
// entry, destroyed on exit, nothing ambient. All reconciliation and protocol
// handling runs on its single event-loop goroutine.
type RoomClient struct {
	opts   RoomOptions
	log    *zap.Logger
	loader *Loader
	recon  *Reconciler
	gate   *Gate
	fsm    *SubmitFSM

	session    *Session
	membership Membership
	connected  bool
	lastErr    error
	timer      *time.Timer

	inbox chan roomEvent
	out   chan View

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

const reloadTimeout = 10 * time.Second

// EnterRoom loads the snapshot, seeds the view, and - unless the poll is
// already expired - opens the live channel and joins the room. A snapshot
// failure is returned as-is for the caller to surface; retry is a manual
// user action (call EnterRoom again).
func EnterRoom(ctx context.Context, opts RoomOptions) (*RoomClient, error) {
	if opts.Code == "" {
		return nil, fmt.Errorf("room code is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	loader := NewLoader(opts.BackendURL, opts.Credential, opts.HTTPClient)
	p, err := loader.Load(ctx, opts.Code)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	rc := &RoomClient{
		opts:   opts,
		log:    opts.Logger.With(zap.String("room", opts.Code)),
		loader: loader,
		recon:  NewReconciler(),
		gate:   NewGate(),
		fsm:    NewSubmitFSM(),
		inbox:  make(chan roomEvent, 64),
		out:    make(chan View, 16),
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	rc.recon.Seed(*p)
	if rc.gate.Observe(p.ExpiredAt) {
		// Already expired at initial load: the live channel is never opened.
		rc.recon.Finalize()
		rc.log.Info("poll already final at load")
	} else {
		session, err := OpenSession(rc.ctx, SessionOptions{
			URL:        opts.SocketURL,
			Credential: opts.Credential,
			Logger:     rc.log,
			MinBackoff: opts.MinBackoff,
			MaxBackoff: opts.MaxBackoff,
			dial:       opts.dial,
		}, SessionEvents{
			Connected:    func() { rc.post(evConnected{}) },
			Disconnected: func(reason error) { rc.post(evDisconnected{reason: reason}) },
			Update:       func(options []poll.Option) { rc.post(evUpdate{options: options}) },
			Exception:    func(message string) { rc.post(evException{message: message}) },
		})
		if err != nil {
			cancel()
			return nil, err
		}
		rc.session = session
		rc.armTimer()
	}

	go rc.loop()
	return rc, nil
}

// Updates delivers a View on every change. The channel is latest-wins: a
// slow consumer sees fewer intermediate views, never a stale final one.
func (rc *RoomClient) Updates() <-chan View { return rc.out }

// View returns the current view synchronously.
func (rc *RoomClient) View() View {
	reply := make(chan View, 1)
	if !rc.post(cmdView{reply: reply}) {
		return View{}
	}
	select {
	case v := <-reply:
		return v
	case <-rc.done:
		return View{}
	}
}

// Select records the user's choice.
func (rc *RoomClient) Select(optionID int64) error {
	return rc.command(func(reply chan error) roomEvent { return cmdSelect{optionID: optionID, reply: reply} })
}

// Submit sends the current selection. Only permitted while Joined.
func (rc *RoomClient) Submit() error {
	return rc.command(func(reply chan error) roomEvent { return cmdSubmit{reply: reply} })
}

// Reload refetches the snapshot while the channel stays open, e.g. as the
// manual retry after a transient failure. The buffer-until-seeded rule in
// the reconciler keeps this safe against pushes racing the response.
func (rc *RoomClient) Reload() error {
	return rc.command(func(reply chan error) roomEvent { return cmdReload{reply: reply} })
}

// Leave tears the room down deterministically: the session is closed with
// no reconnect, in-flight submission state is discarded without error, and
// no view is delivered after Leave returns.
func (rc *RoomClient) Leave() {
	leaveDone := make(chan struct{})
	if !rc.post(cmdLeave{done: leaveDone}) {
		return
	}
	select {
	case <-leaveDone:
	case <-rc.done:
	}
}

func (rc *RoomClient) command(mk func(chan error) roomEvent) error {
	reply := make(chan error, 1)
	if !rc.post(mk(reply)) {
		return ErrChannelDropped
	}
	select {
	case err := <-reply:
		return err
	case <-rc.done:
		return ErrChannelDropped
	}
}

func (rc *RoomClient) post(ev roomEvent) bool {
	select {
	case rc.inbox <- ev:
		return true
	case <-rc.ctx.Done():
		return false
	}
}

func (rc *RoomClient) loop() {
	defer close(rc.done)
	rc.publish()

	for {
		select {
		case <-rc.ctx.Done():
			return

		case ev := <-rc.inbox:
			switch e := ev.(type) {
			case evConnected:
				if rc.session == nil {
					break // connect raced finalize; channel is already closing
				}
				rc.connected = true
				rc.lastErr = nil
				// Membership does not survive a drop: join is the entry
				// action of every connect, first or not.
				rc.membership = MembershipJoining
				if err := rc.session.Send(protocol.Join(rc.opts.Code)); err != nil {
					rc.membership = MembershipNotJoined
					rc.lastErr = err
				}
				rc.publish()

			case evDisconnected:
				rc.connected = false
				rc.membership = MembershipNotJoined
				reason := fmt.Errorf("%w: %v", ErrChannelDropped, e.reason)
				if !rc.fsm.Fail(reason) {
					rc.lastErr = reason
				}
				rc.publish()

			case evUpdate:
				if rc.gate.Check() {
					// Late update after finality: silently discarded.
					rc.finalize()
					rc.publish()
					break
				}
				if rc.membership == MembershipJoining {
					// First update doubles as the join acknowledgement.
					rc.membership = MembershipJoined
				}
				rc.fsm.Confirm()
				rc.recon.Apply(e.options)
				rc.publish()

			case evException:
				perr := &ProtocolError{Message: e.message}
				if !rc.fsm.Fail(perr) {
					rc.lastErr = perr
				}
				rc.publish()

			case evExpired:
				if !rc.gate.Check() {
					rc.armTimer() // timer fired early; re-arm for the remainder
					break
				}
				rc.finalize()
				rc.publish()

			case cmdSelect:
				var err error
				if rc.gate.Final() {
					err = ErrPollFinal
				} else {
					err = rc.fsm.Select(e.optionID)
				}
				e.reply <- err
				rc.publish()

			case cmdSubmit:
				e.reply <- rc.submit()
				rc.publish()

			case cmdReload:
				e.reply <- rc.reload()
				rc.publish()

			case cmdView:
				e.reply <- rc.currentView()

			case cmdLeave:
				rc.teardown()
				close(e.done)
				return
			}
		}
	}
}

func (rc *RoomClient) submit() error {
	if rc.gate.Final() {
		return ErrPollFinal
	}
	if rc.membership != MembershipJoined {
		return ErrNotJoined
	}
	optionID, err := rc.fsm.Begin()
	if err != nil {
		return err
	}
	if err := rc.session.Send(protocol.Submit(rc.opts.Code, optionID)); err != nil {
		rc.fsm.Fail(err)
		return err
	}
	return nil
}

func (rc *RoomClient) reload() error {
	ctx, cancel := context.WithTimeout(rc.ctx, reloadTimeout)
	p, err := rc.loader.Load(ctx, rc.opts.Code)
	cancel()
	if err != nil {
		rc.lastErr = err
		return err
	}

	rc.lastErr = nil
	rc.recon.Seed(*p)
	// A poll can expire between snapshots; re-evaluate on every one.
	if rc.gate.Observe(p.ExpiredAt) {
		rc.finalize()
	} else {
		rc.armTimer()
	}
	return nil
}

// finalize enters Final mode: the session (if any) is closed with no
// reconnect and the reconciler stops accepting merges. One-way.
func (rc *RoomClient) finalize() {
	rc.gate.Check()
	rc.stopTimer()
	rc.recon.Finalize()
	rc.fsm.Fail(ErrPollFinal)
	if rc.session != nil {
		session := rc.session
		rc.session = nil
		// Close waits for the session goroutine; detach so a queued
		// callback can never deadlock the event loop.
		go session.Close()
	}
	rc.connected = false
	rc.membership = MembershipNotJoined
	rc.log.Info("poll final, channel closed")
}

func (rc *RoomClient) teardown() {
	rc.cancel() // unblocks session callbacks before Close waits on them
	rc.stopTimer()
	if rc.session != nil {
		rc.session.Close()
		rc.session = nil
	}
	rc.fsm.Reset()
	close(rc.out)
}

func (rc *RoomClient) armTimer() {
	rc.stopTimer()
	remaining, ok := rc.gate.Remaining()
	if !ok {
		return
	}
	rc.timer = time.AfterFunc(remaining, func() { rc.post(evExpired{}) })
}

func (rc *RoomClient) stopTimer() {
	if rc.timer != nil {
		rc.timer.Stop()
		rc.timer = nil
	}
}

func (rc *RoomClient) currentView() View {
	p, _ := rc.recon.View()
	err := rc.fsm.Err()
	if err == nil {
		err = rc.lastErr
	}
	return View{
		Poll:       p,
		Final:      rc.gate.Final(),
		Connected:  rc.connected,
		Membership: rc.membership,
		Submit:     rc.fsm.State(),
		Err:        err,
	}
}

// publish pushes the current view to the consumer, latest-wins.
func (rc *RoomClient) publish() {
	v := rc.currentView()
	select {
	case rc.out <- v:
		return
	default:
	}
	select {
	case <-rc.out:
	default:
	}
	select {
	case rc.out <- v:
	default:
	}
}
