package automation

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/ingest"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

const testLocalNodeNum = uint32(0x01020304)

type sentText struct {
	text string
	opts radio.TextOptions
}

type fakeSender struct {
	mu          sync.Mutex
	connected   bool
	texts       []sentText
	traceroutes []uint32
}

func (f *fakeSender) Connected() bool { return f.connected }

func (f *fakeSender) LocalNodeNum() uint32 { return testLocalNodeNum }

func (f *fakeSender) SendText(_ context.Context, text string, opts radio.TextOptions, _ radio.Origin) (radio.EncodedPacket, error) {
	f.mu.Lock()
	f.texts = append(f.texts, sentText{text: text, opts: opts})
	f.mu.Unlock()
	return radio.EncodedPacket{PacketID: 1}, nil
}

func (f *fakeSender) SendTraceroute(_ context.Context, to uint32, _ uint32, _ radio.Origin) (radio.EncodedPacket, error) {
	f.mu.Lock()
	f.traceroutes = append(f.traceroutes, to)
	f.mu.Unlock()
	return radio.EncodedPacket{PacketID: 2}, nil
}

func (f *fakeSender) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *fakeSender) sentTraceroutes() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.traceroutes...)
}

type env struct {
	store    *persistence.Store
	bus      bus.MessageBus
	sender   *fakeSender
	settings *Settings
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := persistence.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := persistence.NewStore(logger, db)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store.Writer.Start(ctx)

	return &env{
		store:    store,
		bus:      bus.New(logger),
		sender:   &fakeSender{connected: true},
		settings: NewSettings(logger, store),
	}
}

func (e *env) updateSettings(t *testing.T, values map[string]string) {
	t.Helper()
	if err := e.settings.Update(context.Background(), values); err != nil {
		t.Fatalf("update settings: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRenderTemplate(t *testing.T) {
	node := domain.Node{NodeID: "!0000002a", LongName: "Ridge Repeater", ShortName: "RDGE"}
	got := RenderTemplate("hi {from} ({shortName}, {nodeId})", node)
	want := "hi Ridge Repeater (RDGE, !0000002a)"
	if got != want {
		t.Fatalf("rendered = %q, want %q", got, want)
	}

	anon := domain.Node{NodeID: "!0000002a"}
	if got := RenderTemplate("hi {from}", anon); got != "hi !0000002a" {
		t.Fatalf("rendered = %q, want node id fallback", got)
	}
}

func TestAutoAckRepliesToMatchingText(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyAutoAckEnabled: "true",
		KeyAutoAckPattern: `(?i)\bping\b`,
		KeyAutoAckReply:   "pong {shortName}",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 42, NodeID: "!0000002a", ShortName: "RDGE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go NewAutoAck(logger, e.bus, e.sender, e.store, e.settings).Run(ctx)
	time.Sleep(20 * time.Millisecond)

	e.bus.Publish(bus.TopicMessage, domain.Message{
		ID: "42_1", PacketID: 1, FromNodeNum: 42, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Text: "ping from the ridge",
	})

	waitFor(t, "auto-ack reply", func() bool { return len(e.sender.sentTexts()) == 1 })
	sent := e.sender.sentTexts()[0]
	if sent.text != "pong RDGE" {
		t.Fatalf("reply = %q", sent.text)
	}
	if sent.opts.Channel != 0 || sent.opts.Destination != 0 {
		t.Fatalf("reply opts = %+v, want channel broadcast", sent.opts)
	}
	if sent.opts.ReplyID != 1 {
		t.Fatalf("reply id = %d", sent.opts.ReplyID)
	}
}

func TestAutoAckDirectMessageRepliesDirect(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{KeyAutoAckEnabled: "true"})
	seedNode(t, e.store, domain.Node{NodeNum: 42, NodeID: "!0000002a", ShortName: "RDGE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go NewAutoAck(logger, e.bus, e.sender, e.store, e.settings).Run(ctx)
	time.Sleep(20 * time.Millisecond)

	e.bus.Publish(bus.TopicMessage, domain.Message{
		ID: "42_2", PacketID: 2, FromNodeNum: 42, ToNodeNum: testLocalNodeNum,
		Channel: domain.DirectChannel, Text: "ping",
	})

	waitFor(t, "auto-ack reply", func() bool { return len(e.sender.sentTexts()) == 1 })
	sent := e.sender.sentTexts()[0]
	if sent.opts.Destination != 42 {
		t.Fatalf("reply destination = %d, want the sender", sent.opts.Destination)
	}
}

func TestAutoAckSuppressesEchoLoop(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyAutoAckEnabled: "true",
		KeyAutoAckPattern: `(?i)\b(ping|pong)\b`,
		KeyAutoAckReply:   "pong {shortName}",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 42, NodeID: "!0000002a", ShortName: "RDGE"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ack := NewAutoAck(logger, e.bus, e.sender, e.store, e.settings)

	// Our own reply echoed back through a bridge must not trigger another
	// reply, while a genuine ping still does.
	ack.handle(ctx, domain.Message{
		ID: "42_3", PacketID: 3, FromNodeNum: 42, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Text: "pong RDGE",
	})
	if got := e.sender.sentTexts(); len(got) != 0 {
		t.Fatalf("echo answered: %+v", got)
	}

	ack.handle(ctx, domain.Message{
		ID: "42_4", PacketID: 4, FromNodeNum: 42, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Text: "ping",
	})
	if got := e.sender.sentTexts(); len(got) != 1 {
		t.Fatalf("real ping not answered: %+v", got)
	}
}

func TestAutoAckChannelScopeAndDirectToggle(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyAutoAckEnabled:       "true",
		KeyAutoAckChannels:      "1",
		KeyAutoAckDirectEnabled: "false",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 42, NodeID: "!0000002a", ShortName: "RDGE"})

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ack := NewAutoAck(logger, e.bus, e.sender, e.store, e.settings)

	// Channel 0 is outside the configured set, DMs are toggled off.
	ack.handle(ctx, domain.Message{
		ID: "42_5", PacketID: 5, FromNodeNum: 42, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Text: "ping",
	})
	ack.handle(ctx, domain.Message{
		ID: "42_6", PacketID: 6, FromNodeNum: 42, ToNodeNum: testLocalNodeNum,
		Channel: domain.DirectChannel, Text: "ping",
	})
	if got := e.sender.sentTexts(); len(got) != 0 {
		t.Fatalf("replied outside the configured scope: %+v", got)
	}

	ack.handle(ctx, domain.Message{
		ID: "42_7", PacketID: 7, FromNodeNum: 42, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 1, Text: "ping",
	})
	got := e.sender.sentTexts()
	if len(got) != 1 || got[0].opts.Channel != 1 {
		t.Fatalf("channel 1 ping not answered: %+v", got)
	}
}

func TestAutoAckIgnoresBridgeAndSelf(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{KeyAutoAckEnabled: "true"})

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ack := NewAutoAck(logger, e.bus, e.sender, e.store, e.settings)

	ack.handle(ctx, domain.Message{FromNodeNum: 42, Text: "ping", Bridge: true})
	ack.handle(ctx, domain.Message{FromNodeNum: testLocalNodeNum, Text: "ping"})
	if got := e.sender.sentTexts(); len(got) != 0 {
		t.Fatalf("unexpected replies: %+v", got)
	}
}

func seedNode(t *testing.T, store *persistence.Store, node domain.Node) {
	t.Helper()
	if node.UpdatedAt.IsZero() {
		node.UpdatedAt = time.Now()
	}
	if err := store.Nodes.Upsert(context.Background(), store.DB, node); err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func TestWelcomeGreetsEachNodeOnce(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyWelcomeEnabled: "true",
		KeyWelcomeText:    "welcome {longName}",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 7, NodeID: "!00000007", LongName: "New Node"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWelcome(logger, e.bus, e.sender, e.store, e.settings)
	w.nameWait = 100 * time.Millisecond
	go w.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	update := ingest.NodeUpdate{Node: domain.Node{NodeNum: 7, NodeID: "!00000007"}, FirstSeen: true}
	e.bus.Publish(bus.TopicNodeUpdated, update)

	waitFor(t, "welcome message", func() bool { return len(e.sender.sentTexts()) == 1 })
	sent := e.sender.sentTexts()[0]
	if sent.text != "welcome New Node" {
		t.Fatalf("welcome = %q", sent.text)
	}
	if sent.opts.Destination != 7 {
		t.Fatalf("welcome destination = %d", sent.opts.Destination)
	}

	// The same node resurfacing must not be greeted again.
	e.bus.Publish(bus.TopicNodeUpdated, update)
	time.Sleep(300 * time.Millisecond)
	if got := e.sender.sentTexts(); len(got) != 1 {
		t.Fatalf("welcomed twice: %+v", got)
	}
}

func TestWelcomeWaitForNameDefersNamelessGreeting(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyWelcomeEnabled: "true",
		KeyWelcomeText:    "welcome {from}",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 9, NodeID: "!00000009"})

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWelcome(logger, e.bus, e.sender, e.store, e.settings)
	w.nameWait = 50 * time.Millisecond

	// No name within the wait: the greeting is deferred, not sent nameless.
	w.maybeWelcome(ctx, 9)
	if got := e.sender.sentTexts(); len(got) != 0 {
		t.Fatalf("greeted a nameless node: %+v", got)
	}
	if !w.isPending(9) {
		t.Fatal("nameless node not parked for a later NODEINFO")
	}

	// The NODEINFO lands and the deferred greeting goes out with the name.
	seedNode(t, e.store, domain.Node{NodeNum: 9, NodeID: "!00000009", LongName: "Late Namer"})
	w.maybeWelcome(ctx, 9)
	got := e.sender.sentTexts()
	if len(got) != 1 || got[0].text != "welcome Late Namer" {
		t.Fatalf("deferred greeting = %+v", got)
	}
	if w.isPending(9) {
		t.Fatal("node still parked after the greeting")
	}
}

func TestWelcomeImmediateWhenNotWaitingForName(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyWelcomeEnabled:     "true",
		KeyWelcomeWaitForName: "false",
		KeyWelcomeText:        "welcome {from}",
	})
	seedNode(t, e.store, domain.Node{NodeNum: 10, NodeID: "!0000000a"})

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWelcome(logger, e.bus, e.sender, e.store, e.settings)
	w.nameWait = 50 * time.Millisecond

	w.maybeWelcome(ctx, 10)
	got := e.sender.sentTexts()
	if len(got) != 1 || got[0].text != "welcome !0000000a" {
		t.Fatalf("immediate greeting = %+v", got)
	}
}

func TestWelcomeDisabledStaysQuiet(t *testing.T) {
	e := newEnv(t)
	seedNode(t, e.store, domain.Node{NodeNum: 8, NodeID: "!00000008", LongName: "Quiet"})

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWelcome(logger, e.bus, e.sender, e.store, e.settings)
	w.nameWait = 50 * time.Millisecond
	w.maybeWelcome(ctx, 8)
	if got := e.sender.sentTexts(); len(got) != 0 {
		t.Fatalf("welcomed while disabled: %+v", got)
	}
}

func TestAnnouncerRespectsToggleAndConnection(t *testing.T) {
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAnnouncer(logger, e.sender, e.settings)
	ctx := context.Background()

	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("disabled run: %v", err)
	}
	if len(e.sender.sentTexts()) != 0 {
		t.Fatal("announced while disabled")
	}

	e.updateSettings(t, map[string]string{
		KeyAutoAnnounceEnabled: "true",
		KeyAutoAnnounceText:    "gateway online",
	})
	e.sender.connected = false
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("offline run: %v", err)
	}
	if len(e.sender.sentTexts()) != 0 {
		t.Fatal("announced while offline")
	}

	e.sender.connected = true
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := e.sender.sentTexts()
	if len(sent) != 1 || sent[0].text != "gateway online" {
		t.Fatalf("announce = %+v", sent)
	}
}

func TestAnnouncerUsesConfiguredChannel(t *testing.T) {
	e := newEnv(t)
	e.updateSettings(t, map[string]string{
		KeyAutoAnnounceEnabled: "true",
		KeyAutoAnnounceText:    "gateway online",
		KeyAutoAnnounceChannel: "2",
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAnnouncer(logger, e.sender, e.settings)

	if err := a.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := e.sender.sentTexts()
	if len(sent) != 1 || sent[0].opts.Channel != 2 {
		t.Fatalf("announce = %+v, want channel 2", sent)
	}
}

func TestAnnouncerOnStart(t *testing.T) {
	e := newEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := NewAnnouncer(logger, e.sender, e.settings)
	ctx := context.Background()

	// Off by default: nothing goes out at startup.
	a.RunOnStart(ctx)
	if len(e.sender.sentTexts()) != 0 {
		t.Fatal("announced on start while the option is off")
	}

	e.updateSettings(t, map[string]string{
		KeyAutoAnnounceEnabled: "true",
		KeyAutoAnnounceOnStart: "true",
		KeyAutoAnnounceText:    "gateway online",
	})
	a.RunOnStart(ctx)
	sent := e.sender.sentTexts()
	if len(sent) != 1 || sent[0].text != "gateway online" {
		t.Fatalf("startup announce = %+v", sent)
	}
}

func TestRotationPicksStalestTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now()

	for _, n := range []domain.Node{
		{NodeNum: testLocalNodeNum, NodeID: domain.FormatNodeNum(testLocalNodeNum), LastHeard: now},
		{NodeNum: 10, NodeID: "!0000000a", LastHeard: now},
		{NodeNum: 11, NodeID: "!0000000b", LastHeard: now},
	} {
		seedNode(t, e.store, n)
	}
	// Node 10 was traced recently, node 11 never.
	err := e.store.Traceroutes.Upsert(ctx, e.store.DB, domain.Traceroute{
		FromNodeNum: testLocalNodeNum, ToNodeNum: 10, Timestamp: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed traceroute: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rot := NewRotation(logger, e.sender, e.store, e.settings, 10*time.Minute)
	if err := rot.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := e.sender.sentTraceroutes()
	if len(got) != 1 || got[0] != 11 {
		t.Fatalf("targets = %v, want the untraced node", got)
	}

	// With node 11 now freshly traced and node 10 inside cooldown, there is
	// nothing to do.
	err = e.store.Traceroutes.Upsert(ctx, e.store.DB, domain.Traceroute{
		FromNodeNum: testLocalNodeNum, ToNodeNum: 11, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("seed traceroute: %v", err)
	}
	if err := rot.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := e.sender.sentTraceroutes(); len(got) != 1 {
		t.Fatalf("targets = %v, want no new probe inside cooldown", got)
	}
}

func TestSupportsFavoriteSync(t *testing.T) {
	cases := []struct {
		firmware string
		want     bool
	}{
		{"2.7.4.c1f4f79", true},
		{"2.7.0", true},
		{"v2.8.1", true},
		{"2.6.11.abc123", false},
		{"1.3.42", false},
		{"", false},
		{"garbage", false},
	}
	for _, tc := range cases {
		if got := SupportsFavoriteSync(tc.firmware); got != tc.want {
			t.Errorf("SupportsFavoriteSync(%q) = %v, want %v", tc.firmware, got, tc.want)
		}
	}
}
