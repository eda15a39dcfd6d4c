package session

import (
	"errors"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"

	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/gatewaytest"
	"github.com/RoninSTi/vibelink/internal/protocol"
)

func newTestSession(t *testing.T, url string, hbInterval, hbTimeout time.Duration) *Session {
	cfg := Config{
		URL:               url,
		ConnectTimeout:    2 * time.Second,
		HeartbeatInterval: hbInterval,
		HeartbeatTimeout:  hbTimeout,
		Backoff:           &backoff.Policy{Initial: 15 * time.Millisecond, Max: 60 * time.Millisecond, Multiplier: 2},
	}
	s := New(cfg, testLogger(t))
	t.Cleanup(s.Terminate)
	return s
}

func waitState(t *testing.T, s *Session, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s, still %s", want, s.State())
}

func TestConnectRunsOpenHookAfterConnected(t *testing.T) {
	srv := gatewaytest.New(t)
	s := newTestSession(t, srv.URL(), 0, 0)

	opened := make(chan State, 2)
	s.OnOpen(func() { opened <- s.State() })

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case st := <-opened:
		if st != Connected {
			t.Fatalf("open hook observed state %s, want %s", st, Connected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("open hook never ran")
	}

	if err := s.Connect(); !errors.Is(err, ErrBadState) {
		t.Fatalf("second connect while open: got %v, want ErrBadState", err)
	}
	select {
	case <-opened:
		t.Fatal("open hook ran more than once for a single connection")
	default:
	}
}

func TestSendRequiresOpenSocket(t *testing.T) {
	srv := gatewaytest.New(t)
	s := newTestSession(t, srv.URL(), 0, 0)

	payload, err := protocol.EncodeCommand(protocol.VerbGetConnected, "c-1", nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if s.Send(payload) {
		t.Fatal("send before connect reported success")
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !s.Send(payload) {
		t.Fatal("send on open session failed")
	}

	f := srv.WaitFrame(protocol.VerbGetConnected, 2*time.Second)
	if f.CorrelationId != "c-1" {
		t.Fatalf("gateway saw correlation id %q, want c-1", f.CorrelationId)
	}

	s.Close(websocket.CloseNormalClosure, "done")
	if s.Send(payload) {
		t.Fatal("send after close reported success")
	}
}

func TestMarkAuthenticatedOnlyFromConnected(t *testing.T) {
	srv := gatewaytest.New(t)
	s := newTestSession(t, srv.URL(), 0, 0)

	s.MarkAuthenticated()
	if got := s.State(); got != Disconnected {
		t.Fatalf("markAuthenticated before connect moved state to %s", got)
	}

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.MarkAuthenticated()
	if got := s.State(); got != Authenticated {
		t.Fatalf("state after login = %s, want %s", got, Authenticated)
	}

	s.MarkAuthenticated()
	if got := s.State(); got != Authenticated {
		t.Fatalf("repeat markAuthenticated moved state to %s", got)
	}
}

func TestGatewayCloseCodesEndSession(t *testing.T) {
	for _, code := range []ws.StatusCode{ws.StatusNormalClosure, ws.StatusPolicyViolation} {
		srv := gatewaytest.New(t)
		s := newTestSession(t, srv.URL(), 0, 0)

		if err := s.Connect(); err != nil {
			t.Fatalf("connect: %v", err)
		}
		conn := srv.WaitConn(2 * time.Second)
		s.MarkAuthenticated()

		conn.CloseWith(code, "session over")
		waitState(t, s, Closed, 2*time.Second)

		// Several backoff periods with no new connection proves the
		// campaign is over.
		time.Sleep(200 * time.Millisecond)
		if n := srv.ConnCount(); n != 1 {
			t.Fatalf("close code %d: gateway saw %d connections, want 1", code, n)
		}
	}
}

func TestAbruptDropReconnects(t *testing.T) {
	srv := gatewaytest.New(t)
	s := newTestSession(t, srv.URL(), 0, 0)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := srv.WaitConn(2 * time.Second)
	first.Drop()

	srv.WaitConn(2 * time.Second)
	waitState(t, s, Connected, 2*time.Second)
	if n := srv.ConnCount(); n < 2 {
		t.Fatalf("gateway saw %d connections, want at least 2", n)
	}
}

func TestHeartbeatSilenceTerminatesAndReconnects(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.DisablePong()
	s := newTestSession(t, srv.URL(), 40*time.Millisecond, 25*time.Millisecond)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.WaitConn(2 * time.Second)

	// No pongs: the deadline kills the connection and a new dial follows.
	srv.WaitConn(3 * time.Second)
	if n := srv.ConnCount(); n < 2 {
		t.Fatalf("gateway saw %d connections, want at least 2", n)
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	srv := gatewaytest.New(t)
	s := newTestSession(t, srv.URL(), 0, 0)

	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.WaitConn(2 * time.Second)

	s.Close(websocket.CloseNormalClosure, "shutting down")
	if got := s.State(); got != Closed {
		t.Fatalf("state after close = %s, want %s", got, Closed)
	}
	s.Close(websocket.CloseNormalClosure, "again")
	if got := s.State(); got != Closed {
		t.Fatalf("state after repeat close = %s, want %s", got, Closed)
	}

	time.Sleep(200 * time.Millisecond)
	if n := srv.ConnCount(); n != 1 {
		t.Fatalf("gateway saw %d connections after close, want 1", n)
	}

	if err := s.Connect(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("connect after close: got %v, want ErrShuttingDown", err)
	}
}

func TestDialFailureRetriesUntilTerminated(t *testing.T) {
	// Nothing listens on port 1.
	s := newTestSession(t, "ws://127.0.0.1:1", 0, 0)

	if err := s.Connect(); err == nil {
		t.Fatal("connect to dead endpoint succeeded")
	}

	s.Terminate()
	if got := s.State(); got != Closed {
		t.Fatalf("state after terminate = %s, want %s", got, Closed)
	}

	// The retry timer must not revive the campaign.
	time.Sleep(200 * time.Millisecond)
	if got := s.State(); got != Closed {
		t.Fatalf("terminated session woke up as %s", got)
	}
}
