package gamenet

import (
	"encoding/binary"
	"fmt"
)

// PacketType tags a packet on the wire. Application-defined packet types
// start at PacketTypeUserStart.
type PacketType uint8

const (
	// PacketTypeInsecureConnect carries the client salt on the insecure
	// (test) connect path.
	PacketTypeInsecureConnect PacketType = iota
	// PacketTypeConnectionRequest opens the secure handshake. It is the
	// only packet type sent in the clear on a secure session: the server
	// has no session key for this client yet, and the connect token inside
	// carries its own encrypted section.
	PacketTypeConnectionRequest
	// PacketTypeConnectionDenied is the server's explicit rejection of a
	// connection request.
	PacketTypeConnectionDenied
	// PacketTypeConnectionChallenge carries the challenge token the client
	// must echo to prove it owns its address.
	PacketTypeConnectionChallenge
	// PacketTypeConnectionResponse echoes the challenge token back.
	PacketTypeConnectionResponse
	// PacketTypeConnectionHeartBeat is a keep-alive. The first heartbeat
	// received while a connect is pending completes the handshake and
	// assigns the client its server-side slot.
	PacketTypeConnectionHeartBeat
	// PacketTypeConnectionDisconnect is the best-effort teardown notice.
	PacketTypeConnectionDisconnect
	// PacketTypeConnection carries reliable messaging engine data.
	PacketTypeConnection

	// PacketTypeUserStart is the first packet type available to the
	// application. Packets at or above this value are routed through the
	// ProcessGamePacket callback while connected.
	PacketTypeUserStart
)

// Packet is the closed set of client/server protocol packets plus any
// application-defined packets created by a custom packet factory.
type Packet interface {
	// Type returns the wire tag for this packet.
	Type() PacketType
	// Marshal serializes the packet payload (excluding the type byte and
	// sequence, which are transport framing).
	Marshal() ([]byte, error)
	// Unmarshal parses the packet payload.
	Unmarshal(data []byte) error
}

// InsecureConnectPacket requests a connection without token authentication.
// The salt disambiguates multiple attempts from the same endpoint.
type InsecureConnectPacket struct {
	ClientSalt uint64
}

func (p *InsecureConnectPacket) Type() PacketType { return PacketTypeInsecureConnect }

func (p *InsecureConnectPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.ClientSalt)
	return buf, nil
}

func (p *InsecureConnectPacket) Unmarshal(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("insecure connect packet too short: %d bytes", len(data))
	}
	p.ClientSalt = binary.BigEndian.Uint64(data)
	return nil
}

// ConnectionRequestPacket opens the secure handshake. The token blobs are
// value arrays so they can be zeroed in place when no longer needed.
type ConnectionRequestPacket struct {
	ConnectTokenExpireTimestamp uint64
	ConnectTokenData            [ConnectTokenBytes]byte
	ConnectTokenNonce           [NonceBytes]byte
}

func (p *ConnectionRequestPacket) Type() PacketType { return PacketTypeConnectionRequest }

func (p *ConnectionRequestPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 8+ConnectTokenBytes+NonceBytes)
	binary.BigEndian.PutUint64(buf, p.ConnectTokenExpireTimestamp)
	copy(buf[8:], p.ConnectTokenData[:])
	copy(buf[8+ConnectTokenBytes:], p.ConnectTokenNonce[:])
	return buf, nil
}

func (p *ConnectionRequestPacket) Unmarshal(data []byte) error {
	if len(data) < 8+ConnectTokenBytes+NonceBytes {
		return fmt.Errorf("connection request packet too short: %d bytes", len(data))
	}
	p.ConnectTokenExpireTimestamp = binary.BigEndian.Uint64(data)
	copy(p.ConnectTokenData[:], data[8:8+ConnectTokenBytes])
	copy(p.ConnectTokenNonce[:], data[8+ConnectTokenBytes:8+ConnectTokenBytes+NonceBytes])
	return nil
}

// ConnectionDeniedPacket has no payload; the type tag is the message.
type ConnectionDeniedPacket struct{}

func (p *ConnectionDeniedPacket) Type() PacketType         { return PacketTypeConnectionDenied }
func (p *ConnectionDeniedPacket) Marshal() ([]byte, error) { return nil, nil }
func (p *ConnectionDeniedPacket) Unmarshal([]byte) error   { return nil }

// ConnectionChallengePacket carries the server-issued challenge token.
type ConnectionChallengePacket struct {
	ChallengeTokenData  [ChallengeTokenBytes]byte
	ChallengeTokenNonce [NonceBytes]byte
}

func (p *ConnectionChallengePacket) Type() PacketType { return PacketTypeConnectionChallenge }

func (p *ConnectionChallengePacket) Marshal() ([]byte, error) {
	buf := make([]byte, ChallengeTokenBytes+NonceBytes)
	copy(buf, p.ChallengeTokenData[:])
	copy(buf[ChallengeTokenBytes:], p.ChallengeTokenNonce[:])
	return buf, nil
}

func (p *ConnectionChallengePacket) Unmarshal(data []byte) error {
	if len(data) < ChallengeTokenBytes+NonceBytes {
		return fmt.Errorf("connection challenge packet too short: %d bytes", len(data))
	}
	copy(p.ChallengeTokenData[:], data[:ChallengeTokenBytes])
	copy(p.ChallengeTokenNonce[:], data[ChallengeTokenBytes:ChallengeTokenBytes+NonceBytes])
	return nil
}

// ConnectionResponsePacket echoes the challenge token back to the server.
type ConnectionResponsePacket struct {
	ChallengeTokenData  [ChallengeTokenBytes]byte
	ChallengeTokenNonce [NonceBytes]byte
}

func (p *ConnectionResponsePacket) Type() PacketType { return PacketTypeConnectionResponse }

func (p *ConnectionResponsePacket) Marshal() ([]byte, error) {
	buf := make([]byte, ChallengeTokenBytes+NonceBytes)
	copy(buf, p.ChallengeTokenData[:])
	copy(buf[ChallengeTokenBytes:], p.ChallengeTokenNonce[:])
	return buf, nil
}

func (p *ConnectionResponsePacket) Unmarshal(data []byte) error {
	if len(data) < ChallengeTokenBytes+NonceBytes {
		return fmt.Errorf("connection response packet too short: %d bytes", len(data))
	}
	copy(p.ChallengeTokenData[:], data[:ChallengeTokenBytes])
	copy(p.ChallengeTokenNonce[:], data[ChallengeTokenBytes:ChallengeTokenBytes+NonceBytes])
	return nil
}

// ConnectionHeartBeatPacket is a keep-alive. ClientIndex is the
// server-assigned slot, delivered to the client by the heartbeat that
// completes a pending connect.
type ConnectionHeartBeatPacket struct {
	ClientIndex int32
}

func (p *ConnectionHeartBeatPacket) Type() PacketType { return PacketTypeConnectionHeartBeat }

func (p *ConnectionHeartBeatPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(p.ClientIndex))
	return buf, nil
}

func (p *ConnectionHeartBeatPacket) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("heartbeat packet too short: %d bytes", len(data))
	}
	p.ClientIndex = int32(binary.BigEndian.Uint32(data))
	return nil
}

// ConnectionDisconnectPacket has no payload; the type tag is the message.
type ConnectionDisconnectPacket struct{}

func (p *ConnectionDisconnectPacket) Type() PacketType         { return PacketTypeConnectionDisconnect }
func (p *ConnectionDisconnectPacket) Marshal() ([]byte, error) { return nil, nil }
func (p *ConnectionDisconnectPacket) Unmarshal([]byte) error   { return nil }

const envelopeFlagBlock uint8 = 1 << 0

// MessageEnvelope is one message (or block fragment) bundled into a
// connection packet. The payload is opaque at this layer; the messaging
// engine converts envelopes to and from Message values.
type MessageEnvelope struct {
	ID           uint16
	MessageType  uint16
	Block        bool
	FragmentID   uint16
	NumFragments uint16
	BlockSize    uint32
	Data         []byte
}

// ConnectionPacket carries reliable messaging engine data: a cumulative
// ack plus a bundle of message envelopes.
//
// AckMessageID acknowledges every message with ID strictly below it; it is
// the receiver's next expected message ID.
type ConnectionPacket struct {
	AckMessageID uint16
	Envelopes    []MessageEnvelope
}

func (p *ConnectionPacket) Type() PacketType { return PacketTypeConnection }

func (p *ConnectionPacket) Marshal() ([]byte, error) {
	if len(p.Envelopes) > 255 {
		return nil, fmt.Errorf("too many envelopes in connection packet: %d", len(p.Envelopes))
	}
	size := 2 + 1
	for i := range p.Envelopes {
		size += 2 + 2 + 1 + 2 + len(p.Envelopes[i].Data)
		if p.Envelopes[i].Block {
			size += 2 + 2 + 4
		}
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint16(buf, p.AckMessageID)
	buf = append(buf, uint8(len(p.Envelopes)))
	for i := range p.Envelopes {
		e := &p.Envelopes[i]
		buf = binary.BigEndian.AppendUint16(buf, e.ID)
		buf = binary.BigEndian.AppendUint16(buf, e.MessageType)
		var flags uint8
		if e.Block {
			flags |= envelopeFlagBlock
		}
		buf = append(buf, flags)
		if e.Block {
			buf = binary.BigEndian.AppendUint16(buf, e.FragmentID)
			buf = binary.BigEndian.AppendUint16(buf, e.NumFragments)
			buf = binary.BigEndian.AppendUint32(buf, e.BlockSize)
		}
		if len(e.Data) > 0xffff {
			return nil, fmt.Errorf("envelope payload too large: %d bytes", len(e.Data))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Data)))
		buf = append(buf, e.Data...)
	}
	return buf, nil
}

func (p *ConnectionPacket) Unmarshal(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("connection packet too short: %d bytes", len(data))
	}
	p.AckMessageID = binary.BigEndian.Uint16(data)
	count := int(data[2])
	data = data[3:]
	p.Envelopes = make([]MessageEnvelope, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < 5 {
			return fmt.Errorf("truncated envelope header")
		}
		var e MessageEnvelope
		e.ID = binary.BigEndian.Uint16(data)
		e.MessageType = binary.BigEndian.Uint16(data[2:])
		flags := data[4]
		data = data[5:]
		if flags&envelopeFlagBlock != 0 {
			if len(data) < 8 {
				return fmt.Errorf("truncated block envelope header")
			}
			e.Block = true
			e.FragmentID = binary.BigEndian.Uint16(data)
			e.NumFragments = binary.BigEndian.Uint16(data[2:])
			e.BlockSize = binary.BigEndian.Uint32(data[4:])
			data = data[8:]
		}
		if len(data) < 2 {
			return fmt.Errorf("truncated envelope length")
		}
		n := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if len(data) < n {
			return fmt.Errorf("truncated envelope payload: want %d have %d", n, len(data))
		}
		if n > 0 {
			e.Data = make([]byte, n)
			copy(e.Data, data[:n])
		}
		data = data[n:]
		p.Envelopes = append(p.Envelopes, e)
	}
	return nil
}
