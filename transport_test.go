package gamenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLinkedPair() (*LoopbackTransport, *LoopbackTransport) {
	a := NewLoopbackTransport(testAddr(30000), NewClientServerPacketFactory())
	b := NewLoopbackTransport(testAddr(40000), NewClientServerPacketFactory())
	LinkLoopbackTransports(a, b)
	return a, b
}

// TestLoopbackDelivery verifies a plaintext packet crosses the pair with
// its sequence and source address intact.
func TestLoopbackDelivery(t *testing.T) {
	a, b := newLinkedPair()

	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{ClientIndex: 7}, 42, false)

	packet, from, sequence := b.ReceivePacket()
	require.NotNil(t, packet)
	assert.Equal(t, a.Address().String(), from.String())
	assert.Equal(t, uint64(42), sequence)
	heartbeat, ok := packet.(*ConnectionHeartBeatPacket)
	require.True(t, ok)
	assert.Equal(t, int32(7), heartbeat.ClientIndex)

	packet, _, _ = b.ReceivePacket()
	assert.Nil(t, packet, "receive queue should be empty")
}

// TestLoopbackDropsUnknownDestination verifies packets to addresses other
// than the linked peer go nowhere.
func TestLoopbackDropsUnknownDestination(t *testing.T) {
	a, b := newLinkedPair()

	a.SendPacket(testAddr(50000), &ConnectionHeartBeatPacket{}, 1, false)

	packet, _, _ := b.ReceivePacket()
	assert.Nil(t, packet)
}

// TestEncryptedDelivery verifies that with mappings installed on both
// sides, an encrypted packet type crosses the pair.
func TestEncryptedDelivery(t *testing.T) {
	a, b := newLinkedPair()
	aToB := testKey(0x01)
	bToA := testKey(0x02)

	a.EnablePacketEncryption()
	a.AddEncryptionMapping(b.Address(), aToB, bToA)
	b.EnablePacketEncryption()
	b.AddEncryptionMapping(a.Address(), bToA, aToB)

	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{ClientIndex: 5}, 9, false)

	packet, _, sequence := b.ReceivePacket()
	require.NotNil(t, packet)
	assert.Equal(t, uint64(9), sequence)
	assert.Equal(t, int32(5), packet.(*ConnectionHeartBeatPacket).ClientIndex)
}

// TestConnectionRequestExemption verifies the connection request is sent
// in the clear and accepted in the clear even with encryption enabled,
// while other handshake packets are refused without encryption.
func TestConnectionRequestExemption(t *testing.T) {
	a, b := newLinkedPair()

	// Sender encrypts everything except connection requests; receiver has
	// the same policy but no mapping for the sender, so only exempt
	// packets can get through.
	a.EnablePacketEncryption()
	a.DisableEncryptionForPacketType(PacketTypeConnectionRequest)
	b.EnablePacketEncryption()
	b.DisableEncryptionForPacketType(PacketTypeConnectionRequest)

	// No mapping on a: an encrypted-type packet is dropped at the sender.
	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{}, 1, false)
	packet, _, _ := b.ReceivePacket()
	assert.Nil(t, packet, "heartbeat without a mapping must be dropped")

	// The exempt connection request passes in the clear.
	request := &ConnectionRequestPacket{ConnectTokenExpireTimestamp: 123}
	a.SendPacket(b.Address(), request, 2, false)
	packet, _, _ = b.ReceivePacket()
	require.NotNil(t, packet, "connection request must pass unencrypted")
	assert.Equal(t, uint64(123), packet.(*ConnectionRequestPacket).ConnectTokenExpireTimestamp)
}

// TestUnencryptedEncryptedTypeDropped verifies the receiver refuses a
// plaintext packet of a type its policy says must be encrypted.
func TestUnencryptedEncryptedTypeDropped(t *testing.T) {
	a, b := newLinkedPair()

	// Sender does not encrypt at all; receiver requires encryption for
	// heartbeats.
	b.EnablePacketEncryption()
	b.DisableEncryptionForPacketType(PacketTypeConnectionRequest)

	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{}, 1, false)
	packet, _, _ := b.ReceivePacket()
	assert.Nil(t, packet, "plaintext heartbeat must be dropped by policy")
}

// TestResetEncryptionMappings verifies that once the sender drops its
// table, its encrypted traffic no longer reaches the peer.
func TestResetEncryptionMappings(t *testing.T) {
	a, b := newLinkedPair()
	aToB := testKey(0x01)
	bToA := testKey(0x02)

	a.EnablePacketEncryption()
	a.AddEncryptionMapping(b.Address(), aToB, bToA)
	b.EnablePacketEncryption()
	b.AddEncryptionMapping(a.Address(), bToA, aToB)

	a.ResetEncryptionMappings()
	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{}, 1, false)
	packet, _, _ := b.ReceivePacket()
	assert.Nil(t, packet, "no traffic after the sender dropped its mapping")
}

// TestPacketFactoryLatchesUnknownType verifies the factory error latch.
func TestPacketFactoryLatchesUnknownType(t *testing.T) {
	factory := NewClientServerPacketFactory()

	assert.Nil(t, factory.Create(PacketType(120)))
	require.Error(t, factory.Error())

	factory.ClearError()
	assert.NoError(t, factory.Error())

	assert.NotNil(t, factory.Create(PacketTypeConnectionRequest))
	assert.NoError(t, factory.Error())
}

// TestStreamAllocatorAccounting verifies the transport charges packet
// buffers to the stream allocator and that exhaustion latches the
// allocator error rather than failing loudly.
func TestStreamAllocatorAccounting(t *testing.T) {
	a, b := newLinkedPair()

	tiny := NewDefaultAllocator(4)
	a.SetStreamAllocator(tiny)

	a.SendPacket(b.Address(), &ConnectionHeartBeatPacket{}, 1, false)
	packet, _, _ := b.ReceivePacket()
	assert.Nil(t, packet, "packet should be dropped when the buffer cannot be allocated")
	assert.Error(t, tiny.Error())
}
