package gamenet

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// messageResendRate is how long a sent-but-unacked message waits before it
// is bundled into another connection packet.
const messageResendRate = 0.1

// ConnectionListener observes the messaging engine. The client registers
// itself as the listener of the connection it owns.
type ConnectionListener interface {
	// OnConnectionPacketReceived fires for every connection packet the
	// engine processes.
	OnConnectionPacketReceived(packet *ConnectionPacket)
	// OnConnectionMessageReceived fires for every message delivered in
	// order to the receive queue.
	OnConnectionMessageReceived(message Message)
}

// idGreaterThan compares message IDs with wrap-around handling, TCP
// sequence style: a > b iff the forward distance from b to a is shorter
// than the distance back.
func idGreaterThan(a, b uint16) bool {
	return (a > b && a-b <= 32768) || (a < b && b-a > 32768)
}

func idLessThan(a, b uint16) bool {
	return idGreaterThan(b, a)
}

// pendingMessage is one envelope awaiting acknowledgment.
type pendingMessage struct {
	envelope     MessageEnvelope
	lastSendTime float64
	sent         bool
}

// Connection is the reliable-ordered messaging engine layered above a
// connected session. Messages are bundled oldest-first into connection
// packets, resent until acknowledged, and delivered to the receiver in
// send order. Large messages are fragmented into block envelopes and
// reassembled on the far side.
//
// The engine is driven by its owner: GeneratePacket when the owner wants
// to send, ProcessPacket when a connection packet arrives, AdvanceTime
// once per tick. Failures latch via Error; the owner polls it and tears
// the session down.
type Connection struct {
	config         ConnectionConfig
	packetFactory  PacketFactory
	messageFactory MessageFactory
	listener       ConnectionListener

	time float64
	err  error

	// Send side. sendQueue is ordered by envelope ID, oldest first.
	sendQueue     []*pendingMessage
	nextSendID    uint16
	ackDirty      bool
	lastAckedID   uint16

	// Receive side. Envelopes ahead of nextReceiveID wait in outOfOrder
	// until the gap fills.
	nextReceiveID uint16
	outOfOrder    map[uint16]MessageEnvelope
	receiveQueue  []Message
	blockPending  *blockAssembly
}

// NewConnection creates a messaging engine over the given factories.
func NewConnection(packetFactory PacketFactory, messageFactory MessageFactory, config ConnectionConfig) *Connection {
	return &Connection{
		config:         config,
		packetFactory:  packetFactory,
		messageFactory: messageFactory,
		outOfOrder:     make(map[uint16]MessageEnvelope),
	}
}

// SetListener installs the engine observer.
func (c *Connection) SetListener(listener ConnectionListener) {
	c.listener = listener
}

// Error returns the latched engine error, if any.
func (c *Connection) Error() error { return c.err }

func (c *Connection) setError(err error) {
	if c.err == nil {
		log.Error().Err(err).Msg("connection error")
		c.err = err
	}
}

// CanSendMessage reports whether the send queue has room for another
// message. A block message may need several slots, one per fragment.
func (c *Connection) CanSendMessage() bool {
	return len(c.sendQueue) < c.config.MessageSendQueueSize
}

// SendMessage queues a message for reliable-ordered delivery. Messages
// larger than the block fragment size are split into block envelopes.
// A full send queue latches the engine error.
func (c *Connection) SendMessage(message Message) {
	data, err := message.Marshal()
	if err != nil {
		c.setError(fmt.Errorf("marshal message: %w", err))
		return
	}
	if len(data) <= c.config.BlockFragmentSize {
		c.enqueue(MessageEnvelope{
			ID:          c.nextSendID,
			MessageType: message.Type(),
			Data:        data,
		})
		return
	}
	if len(data) > c.config.MaxBlockSize {
		c.setError(fmt.Errorf("message too large: %d bytes, max block %d", len(data), c.config.MaxBlockSize))
		return
	}
	numFragments := (len(data) + c.config.BlockFragmentSize - 1) / c.config.BlockFragmentSize
	for i := 0; i < numFragments; i++ {
		start := i * c.config.BlockFragmentSize
		end := start + c.config.BlockFragmentSize
		if end > len(data) {
			end = len(data)
		}
		c.enqueue(MessageEnvelope{
			ID:           c.nextSendID,
			MessageType:  message.Type(),
			Block:        true,
			FragmentID:   uint16(i),
			NumFragments: uint16(numFragments),
			BlockSize:    uint32(len(data)),
			Data:         data[start:end],
		})
		if c.err != nil {
			return
		}
	}
}

func (c *Connection) enqueue(envelope MessageEnvelope) {
	if len(c.sendQueue) >= c.config.MessageSendQueueSize {
		c.setError(fmt.Errorf("message send queue overflow: %d messages", len(c.sendQueue)))
		return
	}
	c.sendQueue = append(c.sendQueue, &pendingMessage{envelope: envelope})
	c.nextSendID++
}

// ReceiveMessage pops the next in-order delivered message, or nil if none
// is ready.
func (c *Connection) ReceiveMessage() Message {
	if len(c.receiveQueue) == 0 {
		return nil
	}
	message := c.receiveQueue[0]
	c.receiveQueue = c.receiveQueue[1:]
	return message
}

// packetByteBudget bounds the envelope payload bundled into one connection
// packet so the serialized packet stays under MaxPacketSize with framing
// and AEAD overhead to spare.
const packetByteBudget = MaxPacketSize - 256

// GeneratePacket builds the next outgoing connection packet: the current
// cumulative ack plus as many due unacked envelopes as fit. Returns nil
// when there is nothing to send and no new ack to deliver.
func (c *Connection) GeneratePacket() *ConnectionPacket {
	var envelopes []MessageEnvelope
	bytesUsed := 0
	for _, pm := range c.sendQueue {
		if len(envelopes) >= c.config.MaxMessagesPerPacket {
			break
		}
		// Stop at the byte budget rather than skipping ahead: bundling
		// stays oldest-first.
		if bytesUsed+len(pm.envelope.Data)+16 > packetByteBudget {
			break
		}
		if pm.sent && pm.lastSendTime+messageResendRate > c.time {
			continue
		}
		pm.sent = true
		pm.lastSendTime = c.time
		envelopes = append(envelopes, pm.envelope)
		bytesUsed += len(pm.envelope.Data) + 16
	}
	if len(envelopes) == 0 && !c.ackDirty {
		return nil
	}
	packet, ok := c.packetFactory.Create(c.config.ConnectionPacketType).(*ConnectionPacket)
	if !ok {
		c.setError(fmt.Errorf("packet factory did not produce a connection packet for type %d", c.config.ConnectionPacketType))
		return nil
	}
	c.ackDirty = false
	packet.AckMessageID = c.nextReceiveID
	packet.Envelopes = envelopes
	return packet
}

// ProcessPacket consumes an inbound connection packet: releases
// acknowledged messages from the send queue and feeds envelopes through
// in-order delivery.
func (c *Connection) ProcessPacket(packet *ConnectionPacket) {
	if c.err != nil {
		return
	}
	c.processAck(packet.AckMessageID)
	for i := range packet.Envelopes {
		c.processEnvelope(packet.Envelopes[i])
		if c.err != nil {
			return
		}
	}
	if c.listener != nil {
		c.listener.OnConnectionPacketReceived(packet)
	}
}

func (c *Connection) processAck(ack uint16) {
	if ack == c.lastAckedID {
		return
	}
	released := 0
	for _, pm := range c.sendQueue {
		if idLessThan(pm.envelope.ID, ack) {
			released++
		} else {
			break
		}
	}
	if released > 0 {
		c.sendQueue = c.sendQueue[released:]
		log.Debug().Int("released", released).Uint16("ack", ack).Msg("messages acked")
	}
	c.lastAckedID = ack
}

func (c *Connection) processEnvelope(envelope MessageEnvelope) {
	if idLessThan(envelope.ID, c.nextReceiveID) {
		// Duplicate of an already delivered message.
		return
	}
	if _, exists := c.outOfOrder[envelope.ID]; exists {
		return
	}
	if len(c.outOfOrder) >= c.config.MessageReceiveQueueSize {
		c.setError(fmt.Errorf("message receive buffer overflow: %d envelopes", len(c.outOfOrder)))
		return
	}
	c.outOfOrder[envelope.ID] = envelope

	for {
		next, ok := c.outOfOrder[c.nextReceiveID]
		if !ok {
			return
		}
		delete(c.outOfOrder, c.nextReceiveID)
		c.deliver(next)
		if c.err != nil {
			return
		}
		c.nextReceiveID++
		c.ackDirty = true
	}
}

func (c *Connection) deliver(envelope MessageEnvelope) {
	if envelope.Block {
		c.deliverBlockFragment(envelope)
		return
	}
	c.deliverMessage(envelope.MessageType, envelope.Data)
}

func (c *Connection) deliverBlockFragment(envelope MessageEnvelope) {
	if c.blockPending == nil {
		assembly, err := newBlockAssembly(envelope.MessageType, envelope.BlockSize, envelope.NumFragments, c.config.MaxBlockSize)
		if err != nil {
			c.setError(fmt.Errorf("start block: %w", err))
			return
		}
		c.blockPending = assembly
	}
	complete, err := c.blockPending.addFragment(envelope.FragmentID, envelope.Data)
	if err != nil {
		c.setError(fmt.Errorf("assemble block: %w", err))
		return
	}
	if complete {
		assembly := c.blockPending
		c.blockPending = nil
		c.deliverMessage(assembly.msgType, assembly.bytes())
	}
}

func (c *Connection) deliverMessage(msgType uint16, data []byte) {
	if c.messageFactory == nil {
		c.setError(fmt.Errorf("message received with no message factory"))
		return
	}
	message := c.messageFactory.Create(msgType)
	if message == nil {
		// Factory latched its own error; the owner will pick it up.
		return
	}
	if err := message.Unmarshal(data); err != nil {
		c.setError(fmt.Errorf("unmarshal message type %d: %w", msgType, err))
		return
	}
	if len(c.receiveQueue) >= c.config.MessageReceiveQueueSize {
		c.setError(fmt.Errorf("message receive queue overflow: %d messages", len(c.receiveQueue)))
		return
	}
	c.receiveQueue = append(c.receiveQueue, message)
	if c.listener != nil {
		c.listener.OnConnectionMessageReceived(message)
	}
}

// AdvanceTime moves the engine clock forward. Resend pacing reads it.
func (c *Connection) AdvanceTime(time float64) {
	c.time = time
}

// Reset returns the engine to its initial state, clearing queues, IDs and
// the latched error. Called on every disconnect so the engine can be
// reused across sessions.
func (c *Connection) Reset() {
	c.err = nil
	c.sendQueue = nil
	c.nextSendID = 0
	c.ackDirty = false
	c.lastAckedID = 0
	c.nextReceiveID = 0
	c.outOfOrder = make(map[uint16]MessageEnvelope)
	c.receiveQueue = nil
	c.blockPending = nil
}
