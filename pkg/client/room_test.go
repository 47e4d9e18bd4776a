package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polbro/pollsync/pkg/poll"
	"github.com/polbro/pollsync/pkg/protocol"
)

// snapshotServer serves the backend's snapshot endpoint for one poll.
func snapshotServer(t *testing.T, p poll.Poll) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer " {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"missing token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(struct {
			Data poll.Poll `json:"data"`
		}{Data: p})
	}))
}

func testRoomOptions(backendURL string, d *fakeDialer) RoomOptions {
	return RoomOptions{
		Code:       "ABC123",
		BackendURL: backendURL,
		SocketURL:  "ws://relay/ws",
		Credential: "tok-123",
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
		dial:       d.dial,
	}
}

func livePoll() poll.Poll {
	p := testPoll()
	p.ExpiredAt = time.Now().Add(time.Hour)
	return p
}

func recvClientMsg(t *testing.T, conn *fakeConn, within time.Duration) protocol.ClientMessage {
	t.Helper()
	select {
	case msg := <-conn.sent:
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for client message")
		return protocol.ClientMessage{} // unreachable
	}
}

func waitForView(t *testing.T, rc *RoomClient, within time.Duration, ok func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		v := rc.View()
		if ok(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never reached expected state; last: %+v", v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomClient_ExpiredAtLoadNeverOpensChannel(t *testing.T) {
	p := testPoll()
	p.ExpiredAt = time.Now().Add(-time.Hour)
	srv := snapshotServer(t, p)
	defer srv.Close()

	d := newFakeDialer()
	rc, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.NoError(t, err)
	defer rc.Leave()

	v := rc.View()
	require.True(t, v.Final)
	require.False(t, v.Connected)
	require.Equal(t, int64(8), v.Poll.TotalVotes())

	time.Sleep(30 * time.Millisecond)
	require.Zero(t, d.dials.Load(), "live channel must never be opened for an expired poll")

	require.ErrorIs(t, rc.Submit(), ErrPollFinal)
	require.ErrorIs(t, rc.Select(1), ErrPollFinal)
}

func TestRoomClient_SnapshotFailurePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such poll"}`))
	}))
	defer srv.Close()

	d := newFakeDialer()
	_, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, d.dials.Load())
}

func TestRoomClient_JoinOnConnectAndImplicitAck(t *testing.T) {
	srv := snapshotServer(t, livePoll())
	defer srv.Close()

	d := newFakeDialer()
	rc, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.NoError(t, err)
	defer rc.Leave()

	conn := recvConn(t, d, time.Second)
	join := recvClientMsg(t, conn, time.Second)
	require.Equal(t, protocol.TypeJoin, join.Type)
	require.Equal(t, "ABC123", join.Room)

	waitForView(t, rc, time.Second, func(v View) bool {
		return v.Connected && v.Membership == MembershipJoining
	})

	// Submitting before the join is acknowledged is refused.
	require.NoError(t, rc.Select(1))
	require.ErrorIs(t, rc.Submit(), ErrNotJoined)

	// The first update doubles as the join acknowledgement.
	conn.in <- protocol.Update([]poll.Option{
		{ID: 1, Label: "Tea", VoteTotal: 4},
		{ID: 2, Label: "Coffee", VoteTotal: 5},
	})

	v := waitForView(t, rc, time.Second, func(v View) bool {
		return v.Membership == MembershipJoined
	})
	require.Equal(t, int64(9), v.Poll.TotalVotes())
	require.Equal(t, poll.VoteTotal(4), v.Poll.Options[0].VoteTotal)
}

func joinedRoom(t *testing.T, srv *httptest.Server, d *fakeDialer) (*RoomClient, *fakeConn) {
	t.Helper()
	rc, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.NoError(t, err)

	conn := recvConn(t, d, time.Second)
	_ = recvClientMsg(t, conn, time.Second) // join
	conn.in <- protocol.Update([]poll.Option{
		{ID: 1, Label: "Tea", VoteTotal: 3},
		{ID: 2, Label: "Coffee", VoteTotal: 5},
	})
	waitForView(t, rc, time.Second, func(v View) bool {
		return v.Membership == MembershipJoined
	})
	return rc, conn
}

func TestRoomClient_SubmitConfirmedByNextUpdate(t *testing.T) {
	srv := snapshotServer(t, livePoll())
	defer srv.Close()

	d := newFakeDialer()
	rc, conn := joinedRoom(t, srv, d)
	defer rc.Leave()

	require.NoError(t, rc.Select(1))
	require.NoError(t, rc.Submit())

	submit := recvClientMsg(t, conn, time.Second)
	require.Equal(t, protocol.TypeSubmit, submit.Type)
	require.Equal(t, int64(1), submit.OptionID)

	require.Equal(t, SubmitInFlight, rc.View().Submit)

	// Any subsequent broadcast acts as the acknowledgement.
	conn.in <- protocol.Update([]poll.Option{
		{ID: 1, Label: "Tea", VoteTotal: 4},
		{ID: 2, Label: "Coffee", VoteTotal: 5},
	})

	v := waitForView(t, rc, time.Second, func(v View) bool {
		return v.Submit == SubmitConfirmed
	})
	require.NoError(t, v.Err)
}

func TestRoomClient_ExceptionReturnsToSelected(t *testing.T) {
	srv := snapshotServer(t, livePoll())
	defer srv.Close()

	d := newFakeDialer()
	rc, conn := joinedRoom(t, srv, d)
	defer rc.Leave()

	require.NoError(t, rc.Select(2))
	require.NoError(t, rc.Submit())

	_ = recvClientMsg(t, conn, time.Second)
	conn.in <- protocol.Exception("you already voted")

	v := waitForView(t, rc, time.Second, func(v View) bool {
		return v.Submit == SubmitSelected && v.Err != nil
	})
	var perr *ProtocolError
	require.ErrorAs(t, v.Err, &perr)
	require.Equal(t, "you already voted", perr.Message)
}

func TestRoomClient_DropWhileSubmittingNeverConfirms(t *testing.T) {
	srv := snapshotServer(t, livePoll())
	defer srv.Close()

	d := newFakeDialer()
	rc, conn := joinedRoom(t, srv, d)
	defer rc.Leave()

	require.NoError(t, rc.Select(1))
	require.NoError(t, rc.Submit())
	_ = recvClientMsg(t, conn, time.Second)

	conn.Close() // transport drop with the outcome unknown

	v := waitForView(t, rc, time.Second, func(v View) bool {
		return v.Submit == SubmitSelected && v.Err != nil
	})
	require.ErrorIs(t, v.Err, ErrChannelDropped)

	// The session reconnects and membership is re-established by a fresh
	// join; the old submission stays unconfirmed.
	conn2 := recvConn(t, d, time.Second)
	rejoin := recvClientMsg(t, conn2, time.Second)
	require.Equal(t, protocol.TypeJoin, rejoin.Type)

	conn2.in <- protocol.Update([]poll.Option{{ID: 1, Label: "Tea", VoteTotal: 4}})
	v = waitForView(t, rc, time.Second, func(v View) bool {
		return v.Membership == MembershipJoined
	})
	require.NotEqual(t, SubmitConfirmed, v.Submit)
}

func TestRoomClient_ExpiryTimerFreezesView(t *testing.T) {
	p := testPoll()
	p.ExpiredAt = time.Now().Add(80 * time.Millisecond)
	srv := snapshotServer(t, p)
	defer srv.Close()

	d := newFakeDialer()
	rc, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.NoError(t, err)
	defer rc.Leave()

	conn := recvConn(t, d, time.Second)
	_ = recvClientMsg(t, conn, time.Second)

	v := waitForView(t, rc, time.Second, func(v View) bool { return v.Final })

	frozen := v.Poll.TotalVotes()
	conn.in <- protocol.Update([]poll.Option{{ID: 1, Label: "Tea", VoteTotal: 100}})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, frozen, rc.View().Poll.TotalVotes(), "updates after finality are discarded")

	dials := d.dials.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, dials, d.dials.Load(), "no reconnect after finality")
}

func TestRoomClient_ReloadRefreshesSnapshot(t *testing.T) {
	var fail atomic.Bool
	p := livePoll()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(struct {
			Data poll.Poll `json:"data"`
		}{Data: p})
	}))
	defer srv.Close()

	d := newFakeDialer()
	rc, err := EnterRoom(context.Background(), testRoomOptions(srv.URL, d))
	require.NoError(t, err)
	defer rc.Leave()

	fail.Store(true)
	err = rc.Reload()
	var terr *TransientError
	require.ErrorAs(t, err, &terr)

	fail.Store(false)
	p.Options[0].VoteTotal = 7
	require.NoError(t, rc.Reload())
	require.Equal(t, poll.VoteTotal(7), rc.View().Poll.Options[0].VoteTotal)
}

func TestRoomClient_LeaveStopsDelivery(t *testing.T) {
	srv := snapshotServer(t, livePoll())
	defer srv.Close()

	d := newFakeDialer()
	rc, conn := joinedRoom(t, srv, d)

	rc.Leave()

	// The outbox closes once teardown finishes; draining must terminate.
	for range rc.Updates() {
	}

	conn.in <- protocol.Update([]poll.Option{{ID: 1, Label: "Tea", VoteTotal: 50}})
	require.Equal(t, View{}, rc.View(), "no state served after leave")
}
