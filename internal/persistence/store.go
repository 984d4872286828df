package persistence

import (
	"database/sql"
	"log/slog"
)

// Store bundles the repositories over one database handle together with the
// writer queue they mutate through.
type Store struct {
	DB     *sql.DB
	Writer *WriterQueue

	Nodes       *NodeRepo
	Messages    *MessageRepo
	Channels    *ChannelRepo
	Telemetry   *TelemetryRepo
	Positions   *PositionRepo
	Traceroutes *TracerouteRepo
	Neighbors   *NeighborRepo
	ReadState   *ReadStateRepo
	Settings    *SettingRepo
	RawPackets  *RawPacketRepo
	APISessions *APISessionRepo
}

func NewStore(logger *slog.Logger, db *sql.DB) *Store {
	return &Store{
		DB:     db,
		Writer: NewWriterQueue(logger, db, 0),

		Nodes:       NewNodeRepo(db),
		Messages:    NewMessageRepo(db),
		Channels:    NewChannelRepo(db),
		Telemetry:   NewTelemetryRepo(db),
		Positions:   NewPositionRepo(db),
		Traceroutes: NewTracerouteRepo(db),
		Neighbors:   NewNeighborRepo(db),
		ReadState:   NewReadStateRepo(db),
		Settings:    NewSettingRepo(db),
		RawPackets:  NewRawPacketRepo(db),
		APISessions: NewAPISessionRepo(db),
	}
}
