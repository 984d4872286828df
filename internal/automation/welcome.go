package automation

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/ingest"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

// nameWait is how long the welcomer waits for a NODEINFO to land before
// deferring a node whose name is still unknown. Many nodes announce identity
// seconds after their first packet.
const nameWait = 15 * time.Second

// Welcome greets nodes on their first appearance, once per node ever.
type Welcome struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	sender   Sender
	store    *persistence.Store
	settings *Settings

	nameWait time.Duration

	// pending tracks nodes whose greeting is deferred until a name arrives.
	mu      sync.Mutex
	pending map[uint32]bool
}

func NewWelcome(logger *slog.Logger, b bus.MessageBus, sender Sender, store *persistence.Store, settings *Settings) *Welcome {
	return &Welcome{
		logger:   logger,
		bus:      b,
		sender:   sender,
		store:    store,
		settings: settings,
		nameWait: nameWait,
		pending:  make(map[uint32]bool),
	}
}

func (w *Welcome) Run(ctx context.Context) {
	events := w.bus.Subscribe(bus.TopicNodeUpdated, bus.TopicMessage)
	defer w.bus.Unsubscribe(events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch v := ev.(type) {
			case ingest.NodeUpdate:
				if v.FirstSeen || w.isPending(v.Node.NodeNum) {
					go w.maybeWelcome(ctx, v.Node.NodeNum)
				}
			case domain.Message:
				w.handleMessage(ctx, v)
			}
		}
	}
}

// handleMessage welcomes senders whose first ever message arrived before any
// NODEINFO did.
func (w *Welcome) handleMessage(ctx context.Context, msg domain.Message) {
	if msg.Bridge || msg.FromNodeNum == w.sender.LocalNodeNum() {
		return
	}
	count, err := w.store.Messages.CountFrom(ctx, msg.FromNodeNum)
	if err != nil {
		w.logger.Error("welcome history lookup failed", "from", msg.FromNodeNum, "error", err)
		return
	}
	if count > 1 {
		return
	}
	go w.maybeWelcome(ctx, msg.FromNodeNum)
}

func (w *Welcome) maybeWelcome(ctx context.Context, nodeNum uint32) {
	cfg := w.settings.Snapshot()
	if !cfg.WelcomeEnabled {
		return
	}
	if nodeNum == 0 || nodeNum == domain.BroadcastNodeNum || nodeNum == w.sender.LocalNodeNum() {
		return
	}

	var node domain.Node
	if cfg.WelcomeWaitForName {
		named, ok := w.awaitName(ctx, nodeNum)
		if !ok {
			// No name yet. Park the node and greet once its NODEINFO
			// lands instead of sending a nameless greeting.
			w.setPending(nodeNum, true)
			return
		}
		node = named
		w.setPending(nodeNum, false)
	} else {
		found, ok, err := w.store.Nodes.Get(ctx, nodeNum)
		if err != nil {
			w.logger.Error("welcome node lookup failed", "node", nodeNum, "error", err)
			return
		}
		if !ok {
			found = domain.Node{NodeNum: nodeNum, NodeID: domain.FormatNodeNum(nodeNum)}
		}
		node = found
	}
	if !node.WelcomedAt.IsZero() {
		return
	}

	// Claim the welcome before sending. SetWelcomed only fires on a NULL
	// column, so concurrent triggers for the same node collapse to one.
	var claimed bool
	err := w.store.Writer.EnqueueWait(ctx, "set welcomed", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		claimed, err = w.store.Nodes.SetWelcomed(ctx, tx, nodeNum, time.Now())
		return err
	})
	if err != nil {
		w.logger.Error("welcome claim failed", "node", node.NodeID, "error", err)
		return
	}
	if !claimed {
		return
	}

	text := RenderTemplate(cfg.WelcomeText, node)
	opts := radio.TextOptions{Destination: nodeNum}
	if _, err := w.sender.SendText(ctx, text, opts, radio.OriginJob); err != nil {
		w.logger.Warn("welcome send failed", "node", node.NodeID, "error", err)
		return
	}
	w.logger.Info("welcomed node", "node", node.NodeID, "name", node.LongName)
}

// awaitName polls for the node's advertised name so greetings do not read
// "Welcome, !a1b2c3d4". It reports false when no name showed up in time.
func (w *Welcome) awaitName(ctx context.Context, nodeNum uint32) (domain.Node, bool) {
	deadline := time.Now().Add(w.nameWait)
	for {
		node, ok, err := w.store.Nodes.Get(ctx, nodeNum)
		if err != nil {
			w.logger.Error("welcome node lookup failed", "node", nodeNum, "error", err)
			return domain.Node{}, false
		}
		if ok && (node.LongName != "" || node.ShortName != "") {
			return node, true
		}
		if time.Now().After(deadline) {
			return domain.Node{}, false
		}
		select {
		case <-ctx.Done():
			return domain.Node{}, false
		case <-time.After(time.Second):
		}
	}
}

func (w *Welcome) isPending(nodeNum uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending[nodeNum]
}

func (w *Welcome) setPending(nodeNum uint32, waiting bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if waiting {
		w.pending[nodeNum] = true
	} else {
		delete(w.pending, nodeNum)
	}
}
