package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/RoninSTi/vibelink/internal/backoff"
	"github.com/RoninSTi/vibelink/internal/gatewaytest"
	"github.com/RoninSTi/vibelink/internal/protocol"
	"github.com/RoninSTi/vibelink/internal/secrets"
	"github.com/RoninSTi/vibelink/internal/store"
)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir()+"/vibelink.db", testLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testCodec(t *testing.T) *secrets.Codec {
	t.Helper()
	c, err := secrets.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

func testConfig() Config {
	return Config{
		PollInterval:       60 * time.Millisecond,
		ConnectTimeout:     2 * time.Second,
		CommandTimeout:     2 * time.Second,
		AcquisitionTimeout: 2 * time.Second,
		Backoff:            &backoff.Policy{Initial: 15 * time.Millisecond, Max: 60 * time.Millisecond, Multiplier: 2},
	}
}

// seedGateway stores a factory and one gateway whose credential decrypts
// to hunter2, pointed at the given fake gateway URL.
func seedGateway(t *testing.T, st *store.Store, codec *secrets.Codec, url string) store.Gateway {
	t.Helper()
	f := store.Factory{Name: "north plant"}
	if err := st.CreateFactory(&f); err != nil {
		t.Fatalf("create factory: %v", err)
	}
	blob, err := codec.Encrypt("hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	g := store.Gateway{
		FactoryID:  f.ID,
		GatewayID:  "GW-17",
		Name:       "crusher line",
		URL:        url,
		Email:      "ops@plant.example",
		Credential: blob,
	}
	if err := st.CreateGateway(&g); err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	return g
}

// chanSink hands published readings to the test over a channel.
type chanSink struct {
	readings chan *protocol.Reading
}

func newChanSink() *chanSink {
	return &chanSink{readings: make(chan *protocol.Reading, 16)}
}

func (c *chanSink) Publish(_ context.Context, r *protocol.Reading, _ protocol.SensorMeta) error {
	select {
	case c.readings <- r:
	default:
	}
	return nil
}

func (c *chanSink) wait(t *testing.T, timeout time.Duration) *protocol.Reading {
	t.Helper()
	select {
	case r := <-c.readings:
		return r
	case <-time.After(timeout):
		t.Fatalf("no reading within %v", timeout)
		return nil
	}
}

func (c *chanSink) drain() {
	for {
		select {
		case <-c.readings:
		default:
			return
		}
	}
}

func waitCount(t *testing.T, srv *gatewaytest.Server, verb string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if srv.Received(verb) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gateway saw %d %s commands, want at least %d", srv.Received(verb), verb, want)
}

func scriptHappyGateway(srv *gatewaytest.Server) {
	roster := json.RawMessage(`{"903":{"Serial":903,"Connected":1,"Samples":4,"ReadRate":3200,"Name":"crusher bearing"}}`)
	wave := base64.StdEncoding.EncodeToString([]byte{0x64, 0x00, 0xC8, 0x00, 0x2C, 0x01, 0x90, 0x01})
	note := json.RawMessage(`{"ID":4711,"Serial":"903","Time":"2026-08-25T10:00:00Z",` +
		`"X":"0.1,0.2,0.3,0.4","Y":"[0.1,0.2,0.3,0.4]","Z":"` + wave + `"}`)

	srv.Reply(protocol.VerbLogin, protocol.TypeReturn, map[string]any{"SessionId": "s-1"})
	srv.Reply(protocol.VerbSubscribe, protocol.TypeReturn, map[string]any{})
	srv.Reply(protocol.VerbUnsubscribe, protocol.TypeReturn, map[string]any{})
	srv.Reply(protocol.VerbGetConnected, protocol.TypeReturn, roster)
	srv.Handle(protocol.VerbTakeReading, func(c *gatewaytest.Conn, f protocol.Frame) {
		c.SendFrame(protocol.NoteReadingStarted, "", map[string]any{"Serial": "903", "Success": true})
		c.SendFrame(protocol.NoteReading, "", note)
		c.SendFrame(protocol.NoteTemperature, "", map[string]any{"Serial": "903", "Temperature": 21.5})
		c.SendFrame(protocol.TypeReturn, f.CorrelationId, map[string]any{})
	})
}

func startManager(t *testing.T, st *store.Store, codec *secrets.Codec, out *chanSink) *Manager {
	t.Helper()
	m := NewManager(testConfig(), st, codec, out, testLogger(t))
	if err := m.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

func TestWorkerAcquiresOnSchedule(t *testing.T) {
	srv := gatewaytest.New(t)
	scriptHappyGateway(srv)
	st := testStore(t)
	codec := testCodec(t)
	g := seedGateway(t, st, codec, srv.URL())
	out := newChanSink()

	m := startManager(t, st, codec, out)
	if got := m.Active(); got != 1 {
		t.Fatalf("active workers = %d, want 1", got)
	}

	first := out.wait(t, 5*time.Second)
	if first.ID != 4711 {
		t.Fatalf("reading id = %d, want 4711", first.ID)
	}
	out.wait(t, 5*time.Second)

	stored, err := st.GetGateway(g.ID)
	if err != nil {
		t.Fatalf("get gateway: %v", err)
	}
	if stored.LastSeenAt == nil {
		t.Fatal("last_seen_at never recorded")
	}
}

func TestWorkerResubscribesAfterReconnect(t *testing.T) {
	srv := gatewaytest.New(t)
	scriptHappyGateway(srv)
	st := testStore(t)
	codec := testCodec(t)
	seedGateway(t, st, codec, srv.URL())
	out := newChanSink()

	startManager(t, st, codec, out)

	conn := srv.WaitConn(2 * time.Second)
	waitCount(t, srv, protocol.VerbSubscribe, 1, 2*time.Second)
	out.wait(t, 5*time.Second)

	conn.Drop()
	srv.WaitConn(3 * time.Second)

	waitCount(t, srv, protocol.VerbLogin, 2, 3*time.Second)
	waitCount(t, srv, protocol.VerbSubscribe, 2, 3*time.Second)

	// Only a capture made over the new connection counts.
	out.drain()
	out.wait(t, 5*time.Second)
}

func TestManagerWatchesGatewayLifecycle(t *testing.T) {
	srv := gatewaytest.New(t)
	scriptHappyGateway(srv)
	st := testStore(t)
	codec := testCodec(t)
	out := newChanSink()

	m := startManager(t, st, codec, out)
	if got := m.Active(); got != 0 {
		t.Fatalf("active workers before any gateway = %d, want 0", got)
	}

	g := seedGateway(t, st, codec, srv.URL())
	m.GatewayCreated(g)
	if got := m.Active(); got != 1 {
		t.Fatalf("active workers after create = %d, want 1", got)
	}
	out.wait(t, 5*time.Second)

	updated, err := st.UpdateGateway(g.ID, func(cur *store.Gateway) error {
		cur.Name = "crusher line east"
		return nil
	})
	if err != nil {
		t.Fatalf("update gateway: %v", err)
	}
	m.GatewayUpdated(updated)
	if got := m.Active(); got != 1 {
		t.Fatalf("active workers after update = %d, want 1", got)
	}
	// The replacement worker logs in on its own connection.
	waitCount(t, srv, protocol.VerbLogin, 2, 3*time.Second)
	out.drain()
	out.wait(t, 5*time.Second)

	m.GatewayDeleted(g.ID)
	if got := m.Active(); got != 0 {
		t.Fatalf("active workers after delete = %d, want 0", got)
	}
}

func TestCorruptCredentialNeverStartsWorker(t *testing.T) {
	st := testStore(t)
	codec := testCodec(t)
	g := seedGateway(t, st, codec, "ws://127.0.0.1:1")

	tag := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 16))
	if _, err := st.UpdateGateway(g.ID, func(cur *store.Gateway) error {
		cur.Credential.AuthTag = tag
		return nil
	}); err != nil {
		t.Fatalf("corrupt credential: %v", err)
	}

	m := startManager(t, st, codec, newChanSink())
	if got := m.Active(); got != 0 {
		t.Fatalf("active workers = %d, want 0 for an undecryptable credential", got)
	}
}

func TestStopSaysGoodbye(t *testing.T) {
	srv := gatewaytest.New(t)
	scriptHappyGateway(srv)
	st := testStore(t)
	codec := testCodec(t)
	seedGateway(t, st, codec, srv.URL())
	out := newChanSink()

	m := NewManager(testConfig(), st, codec, out, testLogger(t))
	if err := m.Start(); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	waitCount(t, srv, protocol.VerbSubscribe, 1, 2*time.Second)
	out.wait(t, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m.Stop(ctx)

	if got := m.Active(); got != 0 {
		t.Fatalf("active workers after stop = %d, want 0", got)
	}
	if n := srv.Received(protocol.VerbUnsubscribe); n < 1 {
		t.Fatalf("gateway saw %d unsubscribe commands, want at least 1", n)
	}
}
