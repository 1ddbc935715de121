package gamenet

import "net"

// LoopbackTransport is an in-process transport. Packets sent to the linked
// peer run through the full serialize/encrypt/decrypt/parse path and land
// in the peer's receive queue; packets to any other address are dropped.
// Useful for tests and single-process demos.
type LoopbackTransport struct {
	transportBase
	address net.Addr
	peer    *LoopbackTransport
}

// NewLoopbackTransport creates an unlinked loopback transport bound to the
// given address.
func NewLoopbackTransport(address net.Addr, factory PacketFactory) *LoopbackTransport {
	return &LoopbackTransport{
		transportBase: newTransportBase(factory),
		address:       address,
	}
}

// LinkLoopbackTransports connects two loopback transports so each delivers
// to the other.
func LinkLoopbackTransports(a, b *LoopbackTransport) {
	a.peer = b
	b.peer = a
}

// Address returns the address this transport is bound to.
func (t *LoopbackTransport) Address() net.Addr {
	return t.address
}

func (t *LoopbackTransport) SendPacket(to net.Addr, packet Packet, sequence uint64, immediate bool) {
	// Delivery is synchronous either way; the immediate flag only matters
	// for transports with a real send queue.
	_ = immediate
	if t.peer == nil || to.String() != t.peer.address.String() {
		return
	}
	buf := t.serializePacket(to, packet, sequence)
	if buf == nil {
		return
	}
	received, seq := t.peer.deserializePacket(t.address, buf)
	t.freeBuffer(buf)
	if received == nil {
		return
	}
	t.peer.receiveQueue = append(t.peer.receiveQueue, inboundPacket{
		packet:   received,
		from:     t.address,
		sequence: seq,
	})
}
