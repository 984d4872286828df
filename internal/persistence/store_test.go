package persistence

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"meshmonitor/internal/config"
	"meshmonitor/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	if err := migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	version, err := schemaVersion(context.Background(), db)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestMessageInsertFirstWriteWins(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	msg := domain.Message{
		ID:          domain.MessageID(0x12345678, 0xAAAA),
		PacketID:    0xAAAA,
		FromNodeNum: 0x12345678,
		ToNodeNum:   domain.BroadcastNodeNum,
		Channel:     0,
		Portnum:     1,
		Text:        "hello mesh",
		Timestamp:   time.Unix(1700000000, 0),
	}
	inserted, err := repo.Insert(ctx, db, msg)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert reported not inserted")
	}

	dup := msg
	dup.Text = "replayed with different text"
	inserted, err = repo.Insert(ctx, db, dup)
	if err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported inserted")
	}

	got, ok, err := repo.Get(ctx, msg.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Text != "hello mesh" {
		t.Fatalf("text = %q, first write did not win", got.Text)
	}
}

func TestMessageListExcludesTapbacksAndBridge(t *testing.T) {
	db := newTestDB(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	plain := domain.Message{
		ID: "1_1", PacketID: 1, FromNodeNum: 1, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Portnum: 1, Text: "keep me", Timestamp: base,
	}
	tapback := domain.Message{
		ID: "2_2", PacketID: 2, FromNodeNum: 2, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Portnum: 1, Text: "👍", Timestamp: base.Add(time.Second),
		ReplyID: 1, Emoji: 1,
	}
	bridged := domain.Message{
		ID: "3_3", PacketID: 3, FromNodeNum: 3, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Portnum: 1, Text: "mqtt junk", Timestamp: base.Add(2 * time.Second),
		Bridge: true,
	}
	for _, m := range []domain.Message{plain, tapback, bridged} {
		if _, err := repo.Insert(ctx, db, m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	got, err := repo.ListByChannel(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "1_1" {
		t.Fatalf("list = %+v, want only the plain message", got)
	}

	reactions, err := repo.Reactions(ctx, 1)
	if err != nil {
		t.Fatalf("reactions: %v", err)
	}
	if len(reactions) != 1 || reactions[0] != "👍" {
		t.Fatalf("reactions = %v", reactions)
	}
}

func TestMessageUnreadCounts(t *testing.T) {
	db := newTestDB(t)
	messages := NewMessageRepo(db)
	reads := NewReadStateRepo(db)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, ts := range []time.Time{base, base.Add(time.Minute), base.Add(2 * time.Minute)} {
		m := domain.Message{
			ID: domain.MessageID(9, uint32(i+1)), PacketID: uint32(i + 1),
			FromNodeNum: 9, ToNodeNum: domain.BroadcastNodeNum,
			Channel: 2, Portnum: 1, Text: "msg", Timestamp: ts,
		}
		if _, err := messages.Insert(ctx, db, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := reads.MarkRead(ctx, db, domain.ReadStateKeyChannel(2), base.Add(time.Minute)); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	state, ok, err := reads.Get(ctx, domain.ReadStateKeyChannel(2))
	if err != nil || !ok {
		t.Fatalf("get read state: ok=%v err=%v", ok, err)
	}
	count, err := messages.CountUnreadChannel(ctx, 2, state.LastReadAt)
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 1 {
		t.Fatalf("unread = %d, want 1", count)
	}

	// A stale mark-read must not move the pointer backward.
	if err := reads.MarkRead(ctx, db, domain.ReadStateKeyChannel(2), base); err != nil {
		t.Fatalf("stale mark read: %v", err)
	}
	state, _, err = reads.Get(ctx, domain.ReadStateKeyChannel(2))
	if err != nil {
		t.Fatalf("get read state: %v", err)
	}
	if !state.LastReadAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("read mark moved backward to %v", state.LastReadAt)
	}
}

func TestNodeUpsertSparseMerge(t *testing.T) {
	db := newTestDB(t)
	repo := NewNodeRepo(db)
	ctx := context.Background()

	battery := uint32(80)
	full := domain.Node{
		NodeNum: 100, NodeID: "!00000064",
		LongName: "Base Station", ShortName: "BASE",
		HwModel: "TBEAM", Role: "ROUTER",
		Position:  &domain.Position{Latitude: 40.0, Longitude: -74.0, Altitude: 12, PrecisionBits: 32},
		Metrics:   domain.DeviceMetrics{BatteryLevel: &battery},
		LastHeard: time.Unix(1700000000, 0),
		UpdatedAt: time.Unix(1700000000, 0),
	}
	if err := repo.Upsert(ctx, db, full); err != nil {
		t.Fatalf("upsert full: %v", err)
	}

	// A later metrics-only update must not wipe names or position.
	sparse := domain.Node{
		NodeNum: 100, NodeID: "!00000064",
		LastHeard: time.Unix(1700000100, 0),
		UpdatedAt: time.Unix(1700000100, 0),
	}
	if err := repo.Upsert(ctx, db, sparse); err != nil {
		t.Fatalf("upsert sparse: %v", err)
	}

	got, ok, err := repo.Get(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.LongName != "Base Station" || got.ShortName != "BASE" {
		t.Fatalf("names lost: %+v", got)
	}
	if got.Position == nil || got.Position.Latitude != 40.0 {
		t.Fatalf("position lost: %+v", got.Position)
	}
	if got.Metrics.BatteryLevel == nil || *got.Metrics.BatteryLevel != 80 {
		t.Fatalf("battery lost: %+v", got.Metrics)
	}
	if !got.LastHeard.Equal(time.Unix(1700000100, 0)) {
		t.Fatalf("lastHeard = %v, want advanced", got.LastHeard)
	}
}

func TestNodeSetWelcomedOnce(t *testing.T) {
	db := newTestDB(t)
	repo := NewNodeRepo(db)
	ctx := context.Background()

	if err := repo.Upsert(ctx, db, domain.Node{NodeNum: 5, NodeID: "!00000005", UpdatedAt: time.Unix(1, 0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	first := time.Unix(1700000000, 0)
	claimed, err := repo.SetWelcomed(ctx, db, 5, first)
	if err != nil {
		t.Fatalf("set welcomed: %v", err)
	}
	if !claimed {
		t.Fatal("first claim lost")
	}
	claimed, err = repo.SetWelcomed(ctx, db, 5, first.Add(time.Hour))
	if err != nil {
		t.Fatalf("second set welcomed: %v", err)
	}
	if claimed {
		t.Fatal("second claim won")
	}
	got, _, err := repo.Get(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.WelcomedAt.Equal(first) {
		t.Fatalf("welcomedAt = %v, want %v", got.WelcomedAt, first)
	}
}

func TestTracerouteDedupWindow(t *testing.T) {
	db := newTestDB(t)
	repo := NewTracerouteRepo(db)
	ctx := context.Background()
	ts := time.Unix(1700000000, 0)

	forward := domain.Traceroute{
		FromNodeNum: 1, ToNodeNum: 2,
		Route: []uint32{10, 11}, SNRTowards: []int32{20, 24},
		HopCount: 2, Timestamp: ts,
	}
	if err := repo.Upsert(ctx, db, forward); err != nil {
		t.Fatalf("upsert forward: %v", err)
	}
	ret := domain.Traceroute{
		FromNodeNum: 1, ToNodeNum: 2,
		RouteBack: []uint32{11, 10}, SNRBack: []int32{22, 18},
		HopCount: 2, Timestamp: ts.Add(500 * time.Millisecond),
	}
	if err := repo.Upsert(ctx, db, ret); err != nil {
		t.Fatalf("upsert return: %v", err)
	}

	got, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want merged single row", len(got))
	}
	if len(got[0].Route) != 2 || len(got[0].RouteBack) != 2 {
		t.Fatalf("merged row missing legs: %+v", got[0])
	}

	// Outside the window a new discovery gets its own row.
	later := forward
	later.Timestamp = ts.Add(time.Minute)
	if err := repo.Upsert(ctx, db, later); err != nil {
		t.Fatalf("upsert later: %v", err)
	}
	got, err = repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
}

func TestNeighborReplaceForNode(t *testing.T) {
	db := newTestDB(t)
	repo := NewNeighborRepo(db)
	ctx := context.Background()
	ts := time.Unix(1700000000, 0)

	err := repo.ReplaceForNode(ctx, db, 1, []domain.Neighbor{
		{NodeNum: 1, NeighborNodeNum: 2, SNR: 8.5, Timestamp: ts},
		{NodeNum: 1, NeighborNodeNum: 3, SNR: 2.25, Timestamp: ts},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	err = repo.ReplaceForNode(ctx, db, 1, []domain.Neighbor{
		{NodeNum: 1, NeighborNodeNum: 4, SNR: 6.0, Timestamp: ts.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}

	got, err := repo.ListForNode(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].NeighborNodeNum != 4 {
		t.Fatalf("neighbors = %+v, want only the fresh set", got)
	}
}

func TestChannelListActiveFiltersDisabled(t *testing.T) {
	db := newTestDB(t)
	repo := NewChannelRepo(db)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	for _, c := range []domain.Channel{
		{ID: 0, Name: "Primary", Role: domain.ChannelRolePrimary, CreatedAt: now, UpdatedAt: now},
		{ID: 1, Name: "", Role: domain.ChannelRoleDisabled, CreatedAt: now, UpdatedAt: now},
		{ID: 2, Name: "Admin", Role: domain.ChannelRoleSecondary, CreatedAt: now, UpdatedAt: now},
	} {
		if err := repo.Upsert(ctx, db, c); err != nil {
			t.Fatalf("upsert channel %d: %v", c.ID, err)
		}
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d channels, want 2", len(active))
	}
	for _, c := range active {
		if c.Role == domain.ChannelRoleDisabled {
			t.Fatalf("disabled channel %d leaked into active list", c.ID)
		}
	}
}

func TestCleanupSweepsOldRows(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(slog.Default(), db)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	old := now.Add(-100 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)
	for i, ts := range []time.Time{old, fresh} {
		m := domain.Message{
			ID: domain.MessageID(1, uint32(i+1)), PacketID: uint32(i + 1),
			FromNodeNum: 1, ToNodeNum: domain.BroadcastNodeNum,
			Channel: 0, Portnum: 1, Text: "m", Timestamp: ts,
		}
		if _, err := store.Messages.Insert(ctx, db, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	err := store.Telemetry.Insert(ctx, db, domain.TelemetrySample{
		NodeNum: 1, Timestamp: old, Kind: domain.TelemetryKindDevice,
		Metrics: map[string]float64{"batteryLevel": 90},
	})
	if err != nil {
		t.Fatalf("insert telemetry: %v", err)
	}

	cleanup := NewCleanup(config.Default().Retention)
	removed, err := cleanup.Run(ctx, db, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	msgs, err := store.Messages.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Timestamp.Equal(fresh) {
		t.Fatalf("surviving messages = %+v", msgs)
	}
}

func TestCleanupClearsStaleMobility(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(slog.Default(), db)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	mobile := domain.Node{NodeNum: 7, NodeID: "!00000007", UpdatedAt: now}
	still := domain.Node{NodeNum: 8, NodeID: "!00000008", UpdatedAt: now}
	for _, n := range []domain.Node{mobile, still} {
		if err := store.Nodes.Upsert(ctx, db, n); err != nil {
			t.Fatalf("upsert node: %v", err)
		}
		if err := store.Nodes.SetMobile(ctx, db, n.NodeNum, true); err != nil {
			t.Fatalf("set mobile: %v", err)
		}
	}

	// Node 7 keeps only a single nearby fix inside the window, node 8 keeps
	// a track that still spans the distance threshold.
	fixes := []domain.PositionPoint{
		{NodeID: "!00000007", Latitude: 40.0, Longitude: -74.0, Timestamp: now.Add(-time.Hour)},
		{NodeID: "!00000008", Latitude: 40.0, Longitude: -74.0, Timestamp: now.Add(-2 * time.Hour)},
		{NodeID: "!00000008", Latitude: 40.02, Longitude: -74.02, Timestamp: now.Add(-time.Hour)},
	}
	for _, p := range fixes {
		if err := store.Positions.Insert(ctx, db, p); err != nil {
			t.Fatalf("insert position: %v", err)
		}
	}

	cleanup := NewCleanup(config.Default().Retention)
	if _, err := cleanup.Run(ctx, db, now); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	got, _, err := store.Nodes.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get node 7: %v", err)
	}
	if got.IsMobile {
		t.Fatal("node 7 kept the mobility flag without a spanning track")
	}
	got, _, err = store.Nodes.Get(ctx, 8)
	if err != nil {
		t.Fatalf("get node 8: %v", err)
	}
	if !got.IsMobile {
		t.Fatal("node 8 lost the mobility flag despite a spanning track")
	}
}

func TestWriterQueueBatchesAndCommits(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(slog.Default(), db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.Writer.Start(ctx)

	msg := domain.Message{
		ID: "7_7", PacketID: 7, FromNodeNum: 7, ToNodeNum: domain.BroadcastNodeNum,
		Channel: 0, Portnum: 1, Text: "queued", Timestamp: time.Unix(1700000000, 0),
	}
	err := store.Writer.EnqueueWait(ctx, "insert message", func(ctx context.Context, tx *sql.Tx) error {
		_, err := store.Messages.Insert(ctx, tx, msg)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue wait: %v", err)
	}

	_, ok, err := store.Messages.Get(ctx, "7_7")
	if err != nil || !ok {
		t.Fatalf("message not committed: ok=%v err=%v", ok, err)
	}
}

func TestSettingRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewSettingRepo(db)
	ctx := context.Background()

	if err := repo.Set(ctx, db, "autoAckEnabled", "true"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := repo.Set(ctx, db, "autoAckEnabled", "false"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, ok, err := repo.Get(ctx, "autoAckEnabled")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value != "false" {
		t.Fatalf("value = %q, want overwrite to win", value)
	}

	all, err := repo.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if _, leaked := all[schemaVersionKey]; leaked {
		t.Fatal("schema version leaked into settings listing")
	}
}
