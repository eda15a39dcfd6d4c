package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func TestHeartbeatProbesAndAcceptsPongs(t *testing.T) {
	hb := NewHeartbeat(20*time.Millisecond, 500*time.Millisecond, testLogger(t))
	pings := make(chan []byte, 16)
	timeouts := make(chan struct{}, 4)
	hb.Start(func(b []byte) bool { pings <- b; return true }, func() { timeouts <- struct{}{} })
	t.Cleanup(hb.Stop)

	for i := 0; i < 3; i++ {
		select {
		case raw := <-pings:
			typ, ok := protocol.ControlType(raw)
			if !ok || typ != "ping" {
				t.Fatalf("probe %d is not a ping: %s", i, raw)
			}
			hb.Pong()
		case <-time.After(time.Second):
			t.Fatalf("no ping %d emitted", i)
		}
	}

	select {
	case <-timeouts:
		t.Fatal("timeout fired even though every ping was answered")
	default:
	}
}

func TestHeartbeatTimeoutFiresOnceThenStops(t *testing.T) {
	hb := NewHeartbeat(15*time.Millisecond, 10*time.Millisecond, testLogger(t))
	timeouts := make(chan struct{}, 8)
	hb.Start(func([]byte) bool { return true }, func() { timeouts <- struct{}{} })
	t.Cleanup(hb.Stop)

	select {
	case <-timeouts:
	case <-time.After(time.Second):
		t.Fatal("unanswered ping never triggered the timeout")
	}

	select {
	case <-timeouts:
		t.Fatal("timeout hook ran a second time")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatStopDisarms(t *testing.T) {
	hb := NewHeartbeat(10*time.Millisecond, 15*time.Millisecond, testLogger(t))
	pings := make(chan []byte, 4)
	timeouts := make(chan struct{}, 4)
	hb.Start(func(b []byte) bool { pings <- b; return true }, func() { timeouts <- struct{}{} })

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no ping emitted")
	}
	hb.Stop()
	hb.Stop()

	select {
	case <-timeouts:
		t.Fatal("timeout fired after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatDeadSocketStillTimesOut(t *testing.T) {
	hb := NewHeartbeat(10*time.Millisecond, 10*time.Millisecond, testLogger(t))
	timeouts := make(chan struct{}, 1)
	hb.Start(func([]byte) bool { return false }, func() { timeouts <- struct{}{} })
	t.Cleanup(hb.Stop)

	select {
	case <-timeouts:
	case <-time.After(time.Second):
		t.Fatal("failed send should still arm the deadline")
	}
}
