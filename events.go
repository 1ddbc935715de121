package gamenet

import "net"

// ClientCallbacks is the hook surface the embedder injects at client
// construction. Every field is optional; nil fields fall back to the
// default behavior described per field.
//
// Callbacks fire synchronously on the driver goroutine and must not call
// back into the client.
type ClientCallbacks struct {
	// OnConnect fires when a connect attempt begins, before any packet is
	// sent.
	OnConnect func(address net.Addr)

	// OnClientStateChange fires for every state transition, terminal ones
	// included.
	OnClientStateChange func(previous, current ClientState)

	// OnDisconnect fires once per disconnect that changed state.
	OnDisconnect func()

	// OnPacketSent fires after each outbound packet is handed to the
	// transport.
	OnPacketSent func(packetType PacketType, to net.Addr, immediate bool)

	// OnPacketReceived fires for every inbound packet before dispatch,
	// whatever its source address or the current state.
	OnPacketReceived func(packetType PacketType, from net.Addr, sequence uint64)

	// ProcessGamePacket handles application-defined packet types received
	// while connected. Return true to count the packet as liveness
	// evidence (it updates the receive deadline), false to ignore it.
	ProcessGamePacket func(packet Packet, sequence uint64) bool

	// CreateMessageFactory supplies the application's message factory.
	// Required when the connection is enabled and messages are used; the
	// client panics on first connect if it is missing.
	CreateMessageFactory func(allocator Allocator) MessageFactory

	// CreateStreamAllocator overrides the stream allocator handed to the
	// transport. Default: a DefaultAllocator with the configured budget.
	CreateStreamAllocator func() Allocator

	// CreateContext overrides the client/server context installed on the
	// transport during connection-enabled sessions.
	CreateContext func() *ClientServerContext
}
