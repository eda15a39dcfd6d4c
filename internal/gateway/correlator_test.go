package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/protocol"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func respFrame(typ, correlationID, data string) *protocol.Frame {
	f := &protocol.Frame{
		Type:          typ,
		From:          protocol.IdentityServer,
		To:            protocol.IdentityClient,
		CorrelationId: correlationID,
	}
	if data != "" {
		f.Data = json.RawMessage(data)
	}
	return f
}

func TestCorrelationIDCompletesItsCall(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	call, err := c.Track(protocol.VerbGetConnected, time.Second)
	if err != nil {
		t.Fatalf("track: %v", err)
	}

	c.Complete(respFrame(protocol.TypeReturn, call.ID, `{"ok":true}`))

	data, err := call.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("data = %s", data)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestUncorrelatedResponseCompletesOldest(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	sub, _ := c.Track(protocol.VerbSubscribe, time.Second)
	list, _ := c.Track(protocol.VerbGetConnected, time.Second)

	c.Complete(respFrame(protocol.TypeReturn, "", `{"done":1}`))

	data, err := sub.Wait(context.Background())
	if err != nil {
		t.Fatalf("oldest call failed: %v", err)
	}
	if string(data) != `{"done":1}` {
		t.Fatalf("oldest call got %s", data)
	}
	if n := c.PendingCount(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}

	c.Complete(respFrame(protocol.TypeReturn, "", `{"done":2}`))
	data, err = list.Wait(context.Background())
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if string(data) != `{"done":2}` {
		t.Fatalf("second call got %s", data)
	}
}

func TestTimeoutThenLateResponse(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	call, _ := c.Track(protocol.VerbTakeReading, 20*time.Millisecond)

	_, err := call.Wait(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("wait returned %v, want TimeoutError", err)
	}
	if te.Verb != protocol.VerbTakeReading || te.Timeout != 20*time.Millisecond {
		t.Fatalf("timeout error = %+v", te)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending after timeout = %d, want 0", n)
	}

	// The response eventually arrives and has nowhere to go.
	c.Complete(respFrame(protocol.TypeReturn, call.ID, `{}`))
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending after late response = %d, want 0", n)
	}
}

func TestErrorResponseSurfacesAttempt(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)

	login, _ := c.Track(protocol.VerbLogin, time.Second)
	c.Complete(respFrame(protocol.TypeError, login.ID, `{"Attempt":"POST_LOGIN","Error":"invalid credentials"}`))
	_, err := login.Wait(context.Background())
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("wait returned %v, want CommandError", err)
	}
	if ce.Verb != protocol.VerbLogin || ce.Attempt != "POST_LOGIN" || ce.Message != "invalid credentials" {
		t.Fatalf("command error = %+v", ce)
	}

	// Some firmware reports the attempt as a number.
	take, _ := c.Track(protocol.VerbTakeReading, time.Second)
	c.Complete(respFrame(protocol.TypeError, take.ID, `{"Attempt":3,"Error":"sensor busy"}`))
	_, err = take.Wait(context.Background())
	if !errors.As(err, &ce) {
		t.Fatalf("wait returned %v, want CommandError", err)
	}
	if ce.Attempt != "3" {
		t.Fatalf("numeric attempt = %q, want \"3\"", ce.Attempt)
	}
}

func TestShutdownFailsEverythingPending(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	first, _ := c.Track(protocol.VerbSubscribe, time.Minute)
	second, _ := c.Track(protocol.VerbGetConnected, time.Minute)

	c.Shutdown()
	c.Shutdown()

	for _, call := range []*PendingCall{first, second} {
		_, err := call.Wait(context.Background())
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("%s: got %v, want ErrShuttingDown", call.Verb, err)
		}
	}
	if _, err := c.Track(protocol.VerbLogin, time.Second); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("track after shutdown: got %v, want ErrShuttingDown", err)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending after shutdown = %d, want 0", n)
	}
}

func TestAbortCompletesWithCallerError(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	call, _ := c.Track(protocol.VerbLogin, time.Minute)

	c.Abort(call.ID, ErrNotConnected)

	_, err := call.Wait(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("wait returned %v, want ErrNotConnected", err)
	}
}

func TestCustomMatcherIsConsulted(t *testing.T) {
	refuse := MatcherFunc(func(*protocol.Frame, []PendingInfo) (string, bool) {
		return "", false
	})
	c := NewCorrelator(testLogger(t), refuse)
	call, _ := c.Track(protocol.VerbGetConnected, 30*time.Millisecond)

	c.Complete(respFrame(protocol.TypeReturn, call.ID, `{}`))
	if n := c.PendingCount(); n != 1 {
		t.Fatalf("refusing matcher still completed the call")
	}

	_, err := call.Wait(context.Background())
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("wait returned %v, want TimeoutError", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	c := NewCorrelator(testLogger(t), nil)
	call, _ := c.Track(protocol.VerbGetConnected, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait returned %v, want context.Canceled", err)
	}
}
