package gamenet

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Transport is the datagram layer under the client: a sink and source of
// typed packets addressed by endpoint, with an endpoint-to-keypair
// encryption table. The client assumes exclusive use of its transport for
// its whole lifetime.
type Transport interface {
	// CreatePacket allocates a packet of the given type via the transport's
	// packet factory.
	CreatePacket(packetType PacketType) Packet

	// SendPacket enqueues a packet for delivery, or transmits it
	// synchronously when immediate is set (bypassing the queue).
	SendPacket(to net.Addr, packet Packet, sequence uint64, immediate bool)

	// ReceivePacket pops the next inbound packet, returning nil when the
	// queue is empty.
	ReceivePacket() (packet Packet, from net.Addr, sequence uint64)

	// AddEncryptionMapping installs the keypair used for packets exchanged
	// with the given peer.
	AddEncryptionMapping(peer net.Addr, txKey, rxKey *[KeyBytes]byte)

	// ResetEncryptionMappings drops every installed keypair.
	ResetEncryptionMappings()

	// EnablePacketEncryption turns on encryption for all packet types.
	EnablePacketEncryption()

	// DisableEncryptionForPacketType exempts one packet type from
	// encryption while encryption is enabled.
	DisableEncryptionForPacketType(packetType PacketType)

	// SetStreamAllocator installs the allocator used for packet buffers.
	SetStreamAllocator(allocator Allocator)

	// SetContext installs the client/server context, or nil to clear it.
	SetContext(ctx *ClientServerContext)

	// PacketFactory returns the transport's packet factory.
	PacketFactory() PacketFactory
}

// PacketFactory creates packets by type tag. Unknown types latch an error
// which the client polls on AdvanceTime.
type PacketFactory interface {
	Create(packetType PacketType) Packet
	Error() error
	ClearError()
}

// ClientServerPacketFactory creates the protocol's built-in packet types.
// Embed it in an application factory to add game packet types.
type ClientServerPacketFactory struct {
	err error
}

// NewClientServerPacketFactory creates the default packet factory.
func NewClientServerPacketFactory() *ClientServerPacketFactory {
	return &ClientServerPacketFactory{}
}

func (f *ClientServerPacketFactory) Create(packetType PacketType) Packet {
	switch packetType {
	case PacketTypeInsecureConnect:
		return &InsecureConnectPacket{}
	case PacketTypeConnectionRequest:
		return &ConnectionRequestPacket{}
	case PacketTypeConnectionDenied:
		return &ConnectionDeniedPacket{}
	case PacketTypeConnectionChallenge:
		return &ConnectionChallengePacket{}
	case PacketTypeConnectionResponse:
		return &ConnectionResponsePacket{}
	case PacketTypeConnectionHeartBeat:
		return &ConnectionHeartBeatPacket{}
	case PacketTypeConnectionDisconnect:
		return &ConnectionDisconnectPacket{}
	case PacketTypeConnection:
		return &ConnectionPacket{}
	default:
		f.err = fmt.Errorf("unknown packet type %d", packetType)
		return nil
	}
}

func (f *ClientServerPacketFactory) Error() error { return f.err }

func (f *ClientServerPacketFactory) ClearError() { f.err = nil }

// encryptedFlag marks an encrypted packet in the header byte. Packet types
// therefore top out at 127.
const encryptedFlag = 0x80

// packetHeaderBytes is the type byte plus the eight-byte sequence.
const packetHeaderBytes = 1 + 8

type encryptionMapping struct {
	txKey [KeyBytes]byte
	rxKey [KeyBytes]byte
}

// encryptionManager is the endpoint-to-keypair table plus the per-type
// encryption policy shared by every transport implementation.
type encryptionManager struct {
	mappings          map[string]*encryptionMapping
	encryptionEnabled bool
	unencryptedTypes  map[PacketType]bool
}

func newEncryptionManager() *encryptionManager {
	return &encryptionManager{
		mappings:         make(map[string]*encryptionMapping),
		unencryptedTypes: make(map[PacketType]bool),
	}
}

func (m *encryptionManager) addMapping(peer net.Addr, txKey, rxKey *[KeyBytes]byte) {
	mapping := &encryptionMapping{}
	mapping.txKey = *txKey
	mapping.rxKey = *rxKey
	m.mappings[peer.String()] = mapping
}

func (m *encryptionManager) reset() {
	for k, mapping := range m.mappings {
		// Session keys are zeroed in place, same treatment as the client's
		// token buffers.
		mapping.txKey = [KeyBytes]byte{}
		mapping.rxKey = [KeyBytes]byte{}
		delete(m.mappings, k)
	}
}

func (m *encryptionManager) mapping(peer net.Addr) *encryptionMapping {
	return m.mappings[peer.String()]
}

// encrypts reports whether packets of the given type must be encrypted.
func (m *encryptionManager) encrypts(packetType PacketType) bool {
	return m.encryptionEnabled && !m.unencryptedTypes[packetType]
}

// transportBase carries the state and codec shared by the UDP and loopback
// transports.
type transportBase struct {
	factory      PacketFactory
	allocator    Allocator
	context      *ClientServerContext
	encryption   *encryptionManager
	receiveQueue []inboundPacket
}

type inboundPacket struct {
	packet   Packet
	from     net.Addr
	sequence uint64
}

func newTransportBase(factory PacketFactory) transportBase {
	return transportBase{
		factory:    factory,
		encryption: newEncryptionManager(),
	}
}

func (t *transportBase) CreatePacket(packetType PacketType) Packet {
	return t.factory.Create(packetType)
}

func (t *transportBase) AddEncryptionMapping(peer net.Addr, txKey, rxKey *[KeyBytes]byte) {
	t.encryption.addMapping(peer, txKey, rxKey)
}

func (t *transportBase) ResetEncryptionMappings() {
	t.encryption.reset()
}

func (t *transportBase) EnablePacketEncryption() {
	t.encryption.encryptionEnabled = true
	t.encryption.unencryptedTypes = make(map[PacketType]bool)
}

func (t *transportBase) DisableEncryptionForPacketType(packetType PacketType) {
	t.encryption.unencryptedTypes[packetType] = true
}

func (t *transportBase) SetStreamAllocator(allocator Allocator) {
	t.allocator = allocator
}

func (t *transportBase) SetContext(ctx *ClientServerContext) {
	t.context = ctx
}

func (t *transportBase) PacketFactory() PacketFactory {
	return t.factory
}

func (t *transportBase) ReceivePacket() (Packet, net.Addr, uint64) {
	if len(t.receiveQueue) == 0 {
		return nil, nil, 0
	}
	in := t.receiveQueue[0]
	t.receiveQueue = t.receiveQueue[1:]
	return in.packet, in.from, in.sequence
}

// serializePacket frames and, when the policy requires it, seals a packet
// for the given destination. Returns nil (with a log line) when the packet
// must be dropped: oversized, unserializable, or encryption is required
// but no keypair is installed for the destination.
func (t *transportBase) serializePacket(to net.Addr, packet Packet, sequence uint64) []byte {
	payload, err := packet.Marshal()
	if err != nil {
		log.Error().Err(err).Uint8("type", uint8(packet.Type())).Msg("failed to marshal packet")
		return nil
	}
	header := byte(packet.Type())
	if t.encryption.encrypts(packet.Type()) {
		mapping := t.encryption.mapping(to)
		if mapping == nil {
			log.Debug().Str("to", to.String()).Uint8("type", uint8(packet.Type())).
				Msg("dropping packet: no encryption mapping for destination")
			return nil
		}
		sealed, err := encryptPacket(&mapping.txKey, sequence, payload)
		if err != nil {
			log.Error().Err(err).Msg("failed to encrypt packet")
			return nil
		}
		payload = sealed
		header |= encryptedFlag
	}
	if packetHeaderBytes+len(payload) > MaxPacketSize {
		log.Error().Int("size", packetHeaderBytes+len(payload)).Msg("dropping oversized packet")
		return nil
	}
	buf := t.allocateBuffer(packetHeaderBytes + len(payload))
	if buf == nil {
		return nil
	}
	buf[0] = header
	putSequence(buf[1:], sequence)
	copy(buf[packetHeaderBytes:], payload)
	return buf
}

// deserializePacket parses, verifies and unseals one datagram. A nil
// return means the datagram was dropped; malformed input is not an error
// condition, it is hostile network noise.
func (t *transportBase) deserializePacket(from net.Addr, data []byte) (Packet, uint64) {
	if len(data) < packetHeaderBytes || len(data) > MaxPacketSize {
		return nil, 0
	}
	header := data[0]
	sequence := getSequence(data[1:])
	packetType := PacketType(header &^ encryptedFlag)
	encrypted := header&encryptedFlag != 0
	payload := data[packetHeaderBytes:]

	if encrypted {
		mapping := t.encryption.mapping(from)
		if mapping == nil {
			log.Debug().Str("from", from.String()).Msg("dropping encrypted packet: no mapping for source")
			return nil, 0
		}
		opened, err := decryptPacket(&mapping.rxKey, sequence, payload)
		if err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("dropping packet: decryption failed")
			return nil, 0
		}
		payload = opened
	} else if t.encryption.encrypts(packetType) {
		log.Debug().Str("from", from.String()).Uint8("type", uint8(packetType)).
			Msg("dropping unencrypted packet of encrypted type")
		return nil, 0
	}

	packet := t.factory.Create(packetType)
	if packet == nil {
		return nil, 0
	}
	if err := packet.Unmarshal(payload); err != nil {
		log.Debug().Err(err).Uint8("type", uint8(packetType)).Msg("dropping malformed packet")
		return nil, 0
	}
	return packet, sequence
}

func (t *transportBase) allocateBuffer(n int) []byte {
	if t.allocator != nil {
		return t.allocator.Allocate(n)
	}
	return make([]byte, n)
}

func (t *transportBase) freeBuffer(buf []byte) {
	if t.allocator != nil {
		t.allocator.Free(buf)
	}
}

func putSequence(buf []byte, sequence uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(sequence >> (56 - 8*i))
	}
}

func getSequence(buf []byte) uint64 {
	var s uint64
	for i := 0; i < 8; i++ {
		s = s<<8 | uint64(buf[i])
	}
	return s
}

type outgoingPacket struct {
	to       net.Addr
	packet   Packet
	sequence uint64
}

// NetworkTransport sends and receives protocol packets over a UDP socket.
// Queued packets are flushed by WritePackets and inbound datagrams are
// drained into the receive queue by ReadPackets; the host calls both once
// per tick around the client's SendPackets/ReceivePackets.
type NetworkTransport struct {
	transportBase
	conn      net.PacketConn
	sendQueue []outgoingPacket
}

// NewNetworkTransport creates a UDP transport over the given socket.
func NewNetworkTransport(conn net.PacketConn, factory PacketFactory) *NetworkTransport {
	return &NetworkTransport{
		transportBase: newTransportBase(factory),
		conn:          conn,
	}
}

func (t *NetworkTransport) SendPacket(to net.Addr, packet Packet, sequence uint64, immediate bool) {
	if immediate {
		t.writePacket(to, packet, sequence)
		return
	}
	t.sendQueue = append(t.sendQueue, outgoingPacket{to: to, packet: packet, sequence: sequence})
}

// WritePackets flushes the outgoing queue to the socket.
func (t *NetworkTransport) WritePackets() {
	for _, out := range t.sendQueue {
		t.writePacket(out.to, out.packet, out.sequence)
	}
	t.sendQueue = t.sendQueue[:0]
}

func (t *NetworkTransport) writePacket(to net.Addr, packet Packet, sequence uint64) {
	buf := t.serializePacket(to, packet, sequence)
	if buf == nil {
		return
	}
	if _, err := t.conn.WriteTo(buf, to); err != nil {
		log.Debug().Err(err).Str("to", to.String()).Msg("socket write failed")
	}
	t.freeBuffer(buf)
}

// ReadPackets drains every datagram currently waiting on the socket into
// the receive queue without blocking.
func (t *NetworkTransport) ReadPackets() {
	buf := make([]byte, MaxPacketSize)
	for {
		if err := t.conn.SetReadDeadline(time.Now()); err != nil {
			return
		}
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packet, sequence := t.deserializePacket(from, buf[:n])
		if packet == nil {
			continue
		}
		t.receiveQueue = append(t.receiveQueue, inboundPacket{packet: packet, from: from, sequence: sequence})
	}
}

// Close closes the underlying socket.
func (t *NetworkTransport) Close() error {
	return t.conn.Close()
}
