package bus

const (
	TopicConnStatus  = "conn.status"
	TopicNodeUpdated = "node.updated"
	TopicMessage     = "message.new"
	TopicMessageAck  = "message.ack"
	TopicChannel     = "channel.updated"
	TopicTelemetry   = "telemetry.sample"
	TopicTraceroute  = "traceroute.result"
	TopicNeighbors   = "neighbors.updated"
	TopicPosition    = "position.sample"
)

// AllEventTopics lists everything the API event stream forwards to clients.
var AllEventTopics = []string{
	TopicConnStatus,
	TopicNodeUpdated,
	TopicMessage,
	TopicMessageAck,
	TopicChannel,
	TopicTelemetry,
	TopicTraceroute,
	TopicNeighbors,
	TopicPosition,
}
