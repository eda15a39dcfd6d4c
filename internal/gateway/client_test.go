package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/gatewaytest"
	"github.com/RoninSTi/vibelink/internal/protocol"
	"github.com/RoninSTi/vibelink/internal/session"
)

func newTestClient(t *testing.T, url string, commandTimeout time.Duration) *Client {
	c := New(Config{
		URL:            url,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: commandTimeout,
		Backoff:        &backoff.Policy{Initial: 15 * time.Millisecond, Max: 60 * time.Millisecond, Multiplier: 2},
	}, testLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestLoginAuthenticatesSession(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Reply(protocol.VerbLogin, protocol.TypeReturn, map[string]any{"SessionId": "s-1"})
	c := newTestClient(t, srv.URL(), 2*time.Second)

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Login(ctx, "ops@plant.example", "hunter2"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got := c.State(); got != session.Authenticated {
		t.Fatalf("state after login = %s, want %s", got, session.Authenticated)
	}

	f := srv.WaitFrame(protocol.VerbLogin, 2*time.Second)
	if f.From != protocol.IdentityClient || f.To != protocol.IdentityServer {
		t.Fatalf("login frame addressed %s -> %s", f.From, f.To)
	}
	var req protocol.LoginRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		t.Fatalf("login payload: %v", err)
	}
	if req.Email != "ops@plant.example" || req.Password != "hunter2" {
		t.Fatalf("login payload = %+v", req)
	}
}

func TestLoginFailureLeavesSessionUnauthenticated(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Reply(protocol.VerbLogin, protocol.TypeError, map[string]any{
		"Attempt": "POST_LOGIN",
		"Error":   "invalid credentials",
	})
	c := newTestClient(t, srv.URL(), 2*time.Second)

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Login(ctx, "ops@plant.example", "wrong")
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("login returned %v, want CommandError", err)
	}
	if ce.Message != "invalid credentials" || ce.Attempt != "POST_LOGIN" {
		t.Fatalf("command error = %+v", ce)
	}
	if got := c.State(); got != session.Connected {
		t.Fatalf("state after failed login = %s, want %s", got, session.Connected)
	}
}

func TestListConnectedParsesRosterInOrder(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Reply(protocol.VerbGetConnected, protocol.TypeReturn, json.RawMessage(
		`{"903":{"Serial":903,"Connected":1,"Samples":1024,"ReadRate":3200},`+
			`"101":{"Serial":101,"Connected":0,"Samples":512,"ReadRate":1600}}`))
	c := newTestClient(t, srv.URL(), 2*time.Second)

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sensors, err := c.ListConnected(ctx)
	if err != nil {
		t.Fatalf("list connected: %v", err)
	}
	if len(sensors) != 2 {
		t.Fatalf("sensor count = %d, want 2", len(sensors))
	}
	if sensors[0].Serial != 903 || sensors[1].Serial != 101 {
		t.Fatalf("roster order = %d, %d", sensors[0].Serial, sensors[1].Serial)
	}
	if !sensors[0].Live() || sensors[1].Live() {
		t.Fatal("liveness flags parsed wrong")
	}
}

func TestSlowGatewayTimesOutThenLateReplyIsDropped(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Handle(protocol.VerbGetConnected, func(conn *gatewaytest.Conn, f protocol.Frame) {
		time.Sleep(150 * time.Millisecond)
		conn.SendFrame(protocol.TypeReturn, f.CorrelationId, map[string]any{})
	})
	c := newTestClient(t, srv.URL(), 30*time.Millisecond)

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := c.ListConnected(ctx)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("slow command returned %v, want TimeoutError", err)
	}

	// Give the late reply time to arrive; it must find nothing pending.
	time.Sleep(250 * time.Millisecond)
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending after late reply = %d, want 0", n)
	}
}

func TestCloseFailsInFlightCommands(t *testing.T) {
	srv := gatewaytest.New(t)
	// No handler for the verb: the command would hang until its deadline.
	c := newTestClient(t, srv.URL(), 5*time.Second)

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.Subscribe(ctx)
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("subscribe returned %v, want ErrShuttingDown", err)
	}
	if got := c.State(); got != session.Closed {
		t.Fatalf("state after close = %s, want %s", got, session.Closed)
	}
}

func TestCommandWithoutConnectionFailsFast(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1", 5*time.Second)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.Login(ctx, "ops@plant.example", "hunter2")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("login returned %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("rejection took %v; there must be no outbound queue", elapsed)
	}
}

func TestPickSensorPrefersSerialThenFirstLive(t *testing.T) {
	roster := []protocol.SensorMeta{
		{Serial: 903, Connected: 0},
		{Serial: 101, Connected: 1},
		{Serial: 507, Connected: 1},
	}

	got, err := PickSensor(roster, "")
	if err != nil || got.Serial != 101 {
		t.Fatalf("default pick = %v, %v; want 101", got.Serial, err)
	}

	got, err = PickSensor(roster, "507")
	if err != nil || got.Serial != 507 {
		t.Fatalf("preferred pick = %v, %v; want 507", got.Serial, err)
	}

	// A preferred serial that is offline falls back to the first live one.
	got, err = PickSensor(roster, "903")
	if err != nil || got.Serial != 101 {
		t.Fatalf("offline preferred pick = %v, %v; want 101", got.Serial, err)
	}

	if _, err := PickSensor([]protocol.SensorMeta{{Serial: 1, Connected: 0}}, ""); !errors.Is(err, ErrNoSensors) {
		t.Fatalf("all-offline roster returned %v, want ErrNoSensors", err)
	}
	if _, err := PickSensor(nil, ""); !errors.Is(err, ErrNoSensors) {
		t.Fatalf("empty roster returned %v, want ErrNoSensors", err)
	}
}
