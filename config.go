package gamenet

// ConnectionConfig configures the reliable messaging engine layered above a
// connected session.
type ConnectionConfig struct {
	// ConnectionPacketType is the packet type tag the engine's data packets
	// are sent with. The client forces this to PacketTypeConnection.
	ConnectionPacketType PacketType

	// MaxMessagesPerPacket bounds how many messages are bundled into one
	// connection packet.
	MaxMessagesPerPacket int

	// MessageSendQueueSize is the capacity of the outgoing message queue.
	// SendMessage on a full queue latches a connection error.
	MessageSendQueueSize int

	// MessageReceiveQueueSize is the capacity of the incoming ordered
	// delivery queue.
	MessageReceiveQueueSize int

	// BlockFragmentSize is the payload size of each fragment a block
	// message is split into.
	BlockFragmentSize int

	// MaxBlockSize bounds the total size of a block message.
	MaxBlockSize int
}

// DefaultConnectionConfig returns the default messaging engine configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		ConnectionPacketType:    PacketTypeConnection,
		MaxMessagesPerPacket:    64,
		MessageSendQueueSize:    1024,
		MessageReceiveQueueSize: 1024,
		BlockFragmentSize:       1024,
		MaxBlockSize:            256 * 1024,
	}
}

// ClientServerConfig configures the client connection state machine.
//
// Send rates are seconds between successive sends while in the
// corresponding state. Timeouts are seconds of inbound silence before the
// state machine trips into the matching timeout state.
type ClientServerConfig struct {
	// EnableConnection controls whether a reliable messaging layer is spun
	// up on connect. When false the client only maintains the session and
	// heartbeats; message operations are unavailable.
	EnableConnection bool

	ConnectionRequestSendRate  float64
	ConnectionResponseSendRate float64
	ConnectionHeartBeatRate    float64
	InsecureConnectSendRate    float64

	ConnectionRequestTimeOut float64
	ChallengeResponseTimeOut float64
	ConnectionTimeOut        float64
	InsecureConnectTimeOut   float64

	// NumDisconnectPackets is how many best-effort disconnect notifications
	// are fired at the server on graceful teardown.
	NumDisconnectPackets int

	// StreamAllocatorBudget is the byte budget of the default stream
	// allocator created on first connect.
	StreamAllocatorBudget int

	// ConnectionConfig configures the messaging engine when
	// EnableConnection is set.
	ConnectionConfig ConnectionConfig
}

// DefaultClientServerConfig returns the default client configuration.
func DefaultClientServerConfig() ClientServerConfig {
	return ClientServerConfig{
		EnableConnection:           true,
		ConnectionRequestSendRate:  0.1,
		ConnectionResponseSendRate: 0.1,
		ConnectionHeartBeatRate:    1.0,
		InsecureConnectSendRate:    0.1,
		ConnectionRequestTimeOut:   5.0,
		ChallengeResponseTimeOut:   5.0,
		ConnectionTimeOut:          10.0,
		InsecureConnectTimeOut:     5.0,
		NumDisconnectPackets:       10,
		StreamAllocatorBudget:      2 * 1024 * 1024,
		ConnectionConfig:           DefaultConnectionConfig(),
	}
}
