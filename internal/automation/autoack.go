package automation

import (
	"context"
	"log/slog"

	"meshmonitor/internal/bus"
	"meshmonitor/internal/domain"
	"meshmonitor/internal/persistence"
	"meshmonitor/internal/radio"
)

// AutoAck replies to inbound texts matching the configured pattern, so users
// can ping the gateway to confirm their reach.
type AutoAck struct {
	logger   *slog.Logger
	bus      bus.MessageBus
	sender   Sender
	store    *persistence.Store
	settings *Settings
}

func NewAutoAck(logger *slog.Logger, b bus.MessageBus, sender Sender, store *persistence.Store, settings *Settings) *AutoAck {
	return &AutoAck{logger: logger, bus: b, sender: sender, store: store, settings: settings}
}

func (a *AutoAck) Run(ctx context.Context) {
	messages := a.bus.Subscribe(bus.TopicMessage)
	defer a.bus.Unsubscribe(messages)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-messages:
			msg, ok := ev.(domain.Message)
			if !ok {
				continue
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *AutoAck) handle(ctx context.Context, msg domain.Message) {
	cfg := a.settings.Snapshot()
	if !cfg.AutoAckEnabled {
		return
	}
	if msg.Bridge || msg.IsTapback() {
		return
	}
	if msg.FromNodeNum == a.sender.LocalNodeNum() {
		return
	}
	if msg.Channel == domain.DirectChannel {
		if !cfg.AutoAckDirectEnabled {
			return
		}
	} else if !a.settings.AckChannelAllowed(msg.Channel) {
		return
	}
	if !a.settings.AckPattern().MatchString(msg.Text) {
		return
	}

	node, _, err := a.store.Nodes.Get(ctx, msg.FromNodeNum)
	if err != nil {
		a.logger.Error("auto-ack node lookup failed", "from", msg.FromNodeNum, "error", err)
	}
	if node.NodeID == "" {
		node.NodeID = domain.FormatNodeNum(msg.FromNodeNum)
	}
	reply := RenderTemplate(cfg.AutoAckReply, node)

	// A matching text identical to our own reply is an echo of a previous
	// auto-ack, often relayed back through a bridge. Answering it would
	// start a ping-pong loop between gateways.
	if msg.Text == reply || msg.Text == cfg.AutoAckReply {
		a.logger.Debug("suppressing auto-ack loop", "from", node.NodeID)
		return
	}

	opts := radio.TextOptions{ReplyID: msg.PacketID}
	if msg.Channel == domain.DirectChannel {
		opts.Destination = msg.FromNodeNum
	} else {
		opts.Channel = uint32(msg.Channel)
	}
	if _, err := a.sender.SendText(ctx, reply, opts, radio.OriginJob); err != nil {
		a.logger.Warn("auto-ack send failed", "from", node.NodeID, "error", err)
		return
	}
	a.logger.Info("auto-ack sent", "to", node.NodeID, "channel", msg.Channel)
}
