// Package gamenet implements the client side of a connection-oriented,
// datagram-based client/server protocol for real-time games.
//
// The client is a single-threaded, time-driven state machine ticked by the
// host application. Each tick the host calls, in order: AdvanceTime,
// ReceivePackets, SendPackets, CheckForTimeOut. Around these the
// application issues Connect / InsecureConnect / Disconnect and the
// message operations.
//
// Architecture:
//   - The transport provides framing, packet encryption and raw datagram
//     I/O, addressed by endpoint
//   - The client owns the handshake: token-based authentication, per-state
//     send/timeout/receive policy, and the transitions between states
//   - Once connected, a reliable messaging engine (Connection) rides on
//     top of the session
package gamenet

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
)

// Client drives a connection to a single server: disconnected, through the
// authenticated handshake, to connected, and back down under normal,
// denied, timed-out or errored conditions.
//
// All methods must be called from one goroutine. The client borrows the
// transport exclusively for its lifetime. Disconnect before discarding a
// connected client; there is no finalizer to do it for you.
type Client struct {
	transport Transport
	config    ClientServerConfig
	callbacks ClientCallbacks

	state       ClientState
	time        float64
	clientIndex int

	serverAddress         net.Addr
	sequence              uint64
	lastPacketSendTime    float64
	lastPacketReceiveTime float64

	connectTokenExpireTimestamp uint64
	connectTokenData            [ConnectTokenBytes]byte
	connectTokenNonce           [NonceBytes]byte
	challengeTokenData          [ChallengeTokenBytes]byte
	challengeTokenNonce         [NonceBytes]byte
	clientSalt                  uint64

	streamAllocator    Allocator
	messageFactory     MessageFactory
	connection         *Connection
	context            *ClientServerContext
	allocateConnection bool
}

// NewClient creates a client over the given transport. The transport is
// borrowed for the client's lifetime. The callbacks struct may be zero.
func NewClient(transport Transport, config ClientServerConfig, callbacks ClientCallbacks) *Client {
	config.ConnectionConfig.ConnectionPacketType = PacketTypeConnection
	return &Client{
		transport:             transport,
		config:                config,
		callbacks:             callbacks,
		state:                 StateDisconnected,
		clientIndex:           -1,
		allocateConnection:    config.EnableConnection,
		lastPacketSendTime:    -1000.0,
		lastPacketReceiveTime: -1000.0,
	}
}

// Connect begins a secure connection attempt to the server at address. The
// token blobs are the credential minted out-of-band by the matchmaker; the
// two keys are the session keypair bound to that token. Any prior session
// is torn down first.
func (c *Client) Connect(address net.Addr, connectTokenData, connectTokenNonce []byte,
	clientToServerKey, serverToClientKey *[KeyBytes]byte, connectTokenExpireTimestamp uint64) error {

	if len(connectTokenData) != ConnectTokenBytes {
		return fmt.Errorf("connect token must be %d bytes, got %d", ConnectTokenBytes, len(connectTokenData))
	}
	if len(connectTokenNonce) != NonceBytes {
		return fmt.Errorf("connect token nonce must be %d bytes, got %d", NonceBytes, len(connectTokenNonce))
	}

	c.disconnect(StateDisconnected, true)

	c.initializeConnection()

	c.serverAddress = address

	c.setEncryptedPacketTypes()

	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect(address)
	}

	c.setClientState(StateSendingConnectionRequest)

	// Backdating the send time makes the first connection request go out
	// on the next SendPackets rather than one send interval later.
	c.lastPacketSendTime = c.time - 1.0
	c.lastPacketReceiveTime = c.time

	copy(c.connectTokenData[:], connectTokenData)
	copy(c.connectTokenNonce[:], connectTokenNonce)

	c.transport.AddEncryptionMapping(c.serverAddress, clientToServerKey, serverToClientKey)

	c.connectTokenExpireTimestamp = connectTokenExpireTimestamp

	log.Debug().Str("server", address.String()).Msg("connecting")

	return nil
}

// InsecureConnect begins a connection attempt with no token authentication.
// It installs no keypair and clears the transport's encryption table, but
// leaves the transport's per-type encryption policy as it is: after a secure
// Connect on the same transport, packet types that policy encrypts are
// dropped for lack of a keypair. Intended for development and testing; a
// production server should not accept insecure connects.
func (c *Client) InsecureConnect(address net.Addr) {
	c.disconnect(StateDisconnected, true)

	c.initializeConnection()

	c.serverAddress = address

	if c.callbacks.OnConnect != nil {
		c.callbacks.OnConnect(address)
	}

	c.setClientState(StateSendingInsecureConnect)

	c.lastPacketSendTime = c.time - 1.0
	c.lastPacketReceiveTime = c.time

	c.clientSalt = randomUint64()

	c.transport.ResetEncryptionMappings()

	log.Debug().Str("server", address.String()).Msg("connecting (insecure)")
}

// Disconnect tears the session down gracefully, firing a burst of
// best-effort disconnect packets at the server when there is a session to
// tear down. A no-op when already disconnected.
func (c *Client) Disconnect() {
	c.disconnect(StateDisconnected, true)
}

// disconnect moves the client into targetState (which must be at or below
// disconnected), optionally notifying the server first.
func (c *Client) disconnect(targetState ClientState, sendDisconnectPacket bool) {
	if targetState > StateDisconnected {
		panic("disconnect target state must be disconnected or a failure state")
	}

	if c.state <= StateDisconnected {
		return
	}

	log.Debug().Stringer("state", targetState).Msg("disconnecting")

	if c.state != targetState && c.callbacks.OnDisconnect != nil {
		c.callbacks.OnDisconnect()
	}

	if sendDisconnectPacket && c.state > StateDisconnected {
		for i := 0; i < c.config.NumDisconnectPackets; i++ {
			packet := c.transport.CreatePacket(PacketTypeConnectionDisconnect)
			if packet != nil {
				c.sendPacketToServerInternal(packet, true)
			}
		}
	}

	c.resetConnectionData(targetState)

	c.transport.ResetEncryptionMappings()
}

// AdvanceTime moves the client clock forward. Time must be nondecreasing
// across calls. Latched subsystem errors are collected here: the first one
// found tears the session down into its distinct error state so the
// application can diagnose which subsystem failed.
func (c *Client) AdvanceTime(time float64) {
	if time < c.time {
		panic("client time must be nondecreasing")
	}

	c.time = time

	if c.streamAllocator != nil && c.streamAllocator.Error() != nil {
		c.disconnect(StateStreamAllocatorError, true)
		c.streamAllocator.ClearError()
		return
	}

	if c.messageFactory != nil && c.messageFactory.Error() != nil {
		c.disconnect(StateMessageFactoryError, true)
		c.messageFactory.ClearError()
		return
	}

	if factory := c.transport.PacketFactory(); factory != nil && factory.Error() != nil {
		c.disconnect(StatePacketFactoryError, true)
		factory.ClearError()
		return
	}

	if c.connection != nil {
		if c.connection.Error() != nil {
			// No ClearError here: Connection.Reset during the disconnect
			// clears it.
			c.disconnect(StateConnectionError, true)
			return
		}
		c.connection.AdvanceTime(time)
	}
}

// SendPackets emits whatever the current state calls for: handshake
// packets at their per-state send rate, or connection data plus heartbeats
// while connected. States at or below disconnected emit nothing.
func (c *Client) SendPackets() {
	switch c.state {
	case StateSendingInsecureConnect:
		if c.lastPacketSendTime+c.config.InsecureConnectSendRate > c.time {
			return
		}
		if packet, ok := c.transport.CreatePacket(PacketTypeInsecureConnect).(*InsecureConnectPacket); ok {
			packet.ClientSalt = c.clientSalt
			c.sendPacketToServerInternal(packet, false)
		}

	case StateSendingConnectionRequest:
		if c.lastPacketSendTime+c.config.ConnectionRequestSendRate > c.time {
			return
		}
		if packet, ok := c.transport.CreatePacket(PacketTypeConnectionRequest).(*ConnectionRequestPacket); ok {
			packet.ConnectTokenExpireTimestamp = c.connectTokenExpireTimestamp
			packet.ConnectTokenData = c.connectTokenData
			packet.ConnectTokenNonce = c.connectTokenNonce
			c.sendPacketToServerInternal(packet, false)
		}

	case StateSendingChallengeResponse:
		if c.lastPacketSendTime+c.config.ConnectionResponseSendRate > c.time {
			return
		}
		if packet, ok := c.transport.CreatePacket(PacketTypeConnectionResponse).(*ConnectionResponsePacket); ok {
			packet.ChallengeTokenData = c.challengeTokenData
			packet.ChallengeTokenNonce = c.challengeTokenNonce
			c.sendPacketToServerInternal(packet, false)
		}

	case StateConnected:
		if c.connection != nil {
			if packet := c.connection.GeneratePacket(); packet != nil {
				c.SendPacketToServer(packet)
			}
		}
		// The heartbeat deadline is read after any data send above updated
		// lastPacketSendTime, so a tick that sends a data packet sends no
		// heartbeat.
		if c.lastPacketSendTime+c.config.ConnectionHeartBeatRate <= c.time {
			if packet := c.transport.CreatePacket(PacketTypeConnectionHeartBeat); packet != nil {
				c.SendPacketToServer(packet)
			}
		}
	}
}

// ReceivePackets drains the transport and runs every queued packet through
// state machine dispatch.
func (c *Client) ReceivePackets() {
	for {
		packet, from, sequence := c.transport.ReceivePacket()
		if packet == nil {
			break
		}
		c.processPacket(packet, from, sequence)
	}
}

// CheckForTimeOut trips the per-state receive deadline. Each active state
// has its own deadline and its own terminal state, so the application can
// tell a request timeout from a dead established session. No disconnect
// packets are sent: the peer is presumed unreachable.
func (c *Client) CheckForTimeOut() {
	switch c.state {
	case StateSendingInsecureConnect:
		if c.lastPacketReceiveTime+c.config.InsecureConnectTimeOut < c.time {
			c.disconnect(StateInsecureConnectTimeout, false)
		}

	case StateSendingConnectionRequest:
		if c.lastPacketReceiveTime+c.config.ConnectionRequestTimeOut < c.time {
			c.disconnect(StateConnectionRequestTimeout, false)
		}

	case StateSendingChallengeResponse:
		if c.lastPacketReceiveTime+c.config.ChallengeResponseTimeOut < c.time {
			c.disconnect(StateChallengeResponseTimeout, false)
		}

	case StateConnected:
		if c.lastPacketReceiveTime+c.config.ConnectionTimeOut < c.time {
			c.disconnect(StateConnectionTimeout, false)
		}
	}
}

// State returns the current client state.
func (c *Client) State() ClientState { return c.state }

// ClientIndex returns the server-assigned slot, or -1 when not connected.
func (c *Client) ClientIndex() int { return c.clientIndex }

// Time returns the client clock.
func (c *Client) Time() float64 { return c.time }

// IsConnecting reports whether a handshake is in progress.
func (c *Client) IsConnecting() bool { return c.state.IsConnecting() }

// IsConnected reports whether the handshake has completed.
func (c *Client) IsConnected() bool { return c.state.IsConnected() }

// IsDisconnected reports whether the client is at or below disconnected.
func (c *Client) IsDisconnected() bool { return c.state.IsDisconnected() }

// ConnectionFailed reports whether the client is in a terminal failure
// state.
func (c *Client) ConnectionFailed() bool { return c.state.ConnectionFailed() }

// CreateMessage creates a message of the given application type via the
// message factory.
func (c *Client) CreateMessage(msgType uint16) Message {
	if c.messageFactory == nil {
		return nil
	}
	return c.messageFactory.Create(msgType)
}

// CanSendMessage reports whether the messaging engine can accept another
// outgoing message. Always false when not connected.
func (c *Client) CanSendMessage() bool {
	if !c.IsConnected() || c.connection == nil {
		return false
	}
	return c.connection.CanSendMessage()
}

// SendMessage queues a message for reliable-ordered delivery to the
// server. Dropped when not connected.
func (c *Client) SendMessage(message Message) {
	if !c.IsConnected() || c.connection == nil {
		return
	}
	c.connection.SendMessage(message)
}

// ReceiveMessage pops the next delivered message, or nil when none is
// ready or the client is not connected.
func (c *Client) ReceiveMessage() Message {
	if !c.IsConnected() || c.connection == nil {
		return nil
	}
	return c.connection.ReceiveMessage()
}

// ReleaseMessage releases a message received from ReceiveMessage. Message
// memory is garbage collected; the method exists so application code has a
// single place to hook per-message accounting.
func (c *Client) ReleaseMessage(message Message) {
	_ = message
}

// MessageFactory returns the message factory, or nil before the first
// connect (the factory is created lazily).
func (c *Client) MessageFactory() MessageFactory {
	return c.messageFactory
}

// SendPacketToServer sends an application packet to the server. Dropped
// when not connected; use the handshake states' own send machinery for
// everything below connected.
func (c *Client) SendPacketToServer(packet Packet) {
	if !c.IsConnected() {
		return
	}
	c.sendPacketToServerInternal(packet, false)
}

func (c *Client) sendPacketToServerInternal(packet Packet, immediate bool) {
	c.sequence++
	c.transport.SendPacket(c.serverAddress, packet, c.sequence, immediate)
	if c.callbacks.OnPacketSent != nil {
		c.callbacks.OnPacketSent(packet.Type(), c.serverAddress, immediate)
	}
	c.lastPacketSendTime = c.time
}

// initializeConnection sets up the messaging substrate. Idempotent: the
// stream allocator, message factory, connection and context are created on
// the first connect and persist across disconnect/reconnect cycles.
func (c *Client) initializeConnection() {
	if c.streamAllocator == nil {
		c.streamAllocator = c.createStreamAllocator()
		c.transport.SetStreamAllocator(c.streamAllocator)
	}

	if c.config.EnableConnection {
		if c.allocateConnection && c.connection == nil {
			c.messageFactory = c.createMessageFactory()
			c.connection = NewConnection(c.transport.PacketFactory(), c.messageFactory, c.config.ConnectionConfig)
			c.connection.SetListener(c)
		}

		if c.context == nil {
			c.context = c.createContext()
		}
		c.transport.SetContext(c.context)
	} else {
		c.transport.SetContext(nil)
	}
}

// setEncryptedPacketTypes enables transport encryption for everything
// except the connection request, which a server without a session key for
// this client must still be able to read.
func (c *Client) setEncryptedPacketTypes() {
	c.transport.EnablePacketEncryption()
	c.transport.DisableEncryptionForPacketType(PacketTypeConnectionRequest)
}

func (c *Client) createStreamAllocator() Allocator {
	if c.callbacks.CreateStreamAllocator != nil {
		return c.callbacks.CreateStreamAllocator()
	}
	return NewDefaultAllocator(c.config.StreamAllocatorBudget)
}

func (c *Client) createMessageFactory() MessageFactory {
	if c.callbacks.CreateMessageFactory != nil {
		return c.callbacks.CreateMessageFactory(c.streamAllocator)
	}
	panic("the CreateMessageFactory callback must be provided to use messages")
}

func (c *Client) createContext() *ClientServerContext {
	if c.callbacks.CreateContext != nil {
		return c.callbacks.CreateContext()
	}
	return &ClientServerContext{
		magic:            connectionContextMagic,
		ConnectionConfig: &c.config.ConnectionConfig,
		MessageFactory:   c.messageFactory,
	}
}

func (c *Client) setClientState(state ClientState) {
	previous := c.state
	c.state = state
	if state != previous {
		log.Debug().Stringer("previous", previous).Stringer("current", state).Msg("client state change")
		if c.callbacks.OnClientStateChange != nil {
			c.callbacks.OnClientStateChange(previous, state)
		}
	}
}

// resetConnectionData clears all per-session handshake state, zeroing the
// token buffers in place.
func (c *Client) resetConnectionData(state ClientState) {
	c.clientIndex = -1
	c.serverAddress = nil
	c.setClientState(state)
	c.lastPacketSendTime = -1000.0
	c.lastPacketReceiveTime = -1000.0
	c.connectTokenExpireTimestamp = 0
	c.connectTokenData = [ConnectTokenBytes]byte{}
	c.connectTokenNonce = [NonceBytes]byte{}
	c.challengeTokenData = [ChallengeTokenBytes]byte{}
	c.challengeTokenNonce = [NonceBytes]byte{}
	c.transport.ResetEncryptionMappings()
	c.sequence = 0
	c.clientSalt = 0
	if c.connection != nil {
		c.connection.Reset()
	}
}

// isPendingConnect reports whether the client is in the window between a
// sent challenge response (or insecure connect) and the heartbeat that
// completes authentication.
func (c *Client) isPendingConnect() bool {
	return c.state == StateSendingChallengeResponse || c.state == StateSendingInsecureConnect
}

// completePendingConnect finishes the handshake: records the assigned
// client slot and enters connected. On the secure path the token buffers
// are zeroed, they are no longer needed once authenticated. The insecure
// path holds no secrets, so there is nothing to zero.
func (c *Client) completePendingConnect(clientIndex int) {
	if c.state == StateSendingChallengeResponse {
		c.clientIndex = clientIndex

		c.connectTokenData = [ConnectTokenBytes]byte{}
		c.connectTokenNonce = [NonceBytes]byte{}
		c.challengeTokenData = [ChallengeTokenBytes]byte{}
		c.challengeTokenNonce = [NonceBytes]byte{}

		c.setClientState(StateConnected)
	}

	if c.state == StateSendingInsecureConnect {
		c.clientIndex = clientIndex
		c.setClientState(StateConnected)
	}
}

func (c *Client) addressIsServer(address net.Addr) bool {
	return c.serverAddress != nil && address != nil && address.String() == c.serverAddress.String()
}

// processPacket dispatches one inbound packet. Packets from any address
// other than the current server, and packets arriving in a state that does
// not expect them, are silently dropped.
func (c *Client) processPacket(packet Packet, address net.Addr, sequence uint64) {
	if c.callbacks.OnPacketReceived != nil {
		c.callbacks.OnPacketReceived(packet.Type(), address, sequence)
	}

	switch p := packet.(type) {
	case *ConnectionDeniedPacket:
		c.processConnectionDenied(p, address)
		return
	case *ConnectionChallengePacket:
		c.processConnectionChallenge(p, address)
		return
	case *ConnectionHeartBeatPacket:
		c.processConnectionHeartBeat(p, address)
		return
	case *ConnectionDisconnectPacket:
		c.processConnectionDisconnect(p, address)
		return
	case *ConnectionPacket:
		c.processConnectionPacket(p, address)
		return
	}

	if !c.IsConnected() {
		return
	}

	if !c.addressIsServer(address) {
		return
	}

	if c.callbacks.ProcessGamePacket == nil || !c.callbacks.ProcessGamePacket(packet, sequence) {
		return
	}

	c.lastPacketReceiveTime = c.time
}

func (c *Client) processConnectionDenied(_ *ConnectionDeniedPacket, address net.Addr) {
	if c.state != StateSendingConnectionRequest {
		return
	}
	if !c.addressIsServer(address) {
		return
	}
	c.setClientState(StateConnectionDenied)
}

func (c *Client) processConnectionChallenge(packet *ConnectionChallengePacket, address net.Addr) {
	if c.state != StateSendingConnectionRequest {
		return
	}
	if !c.addressIsServer(address) {
		return
	}

	c.challengeTokenData = packet.ChallengeTokenData
	c.challengeTokenNonce = packet.ChallengeTokenNonce

	c.setClientState(StateSendingChallengeResponse)

	c.lastPacketReceiveTime = c.time
}

func (c *Client) processConnectionHeartBeat(packet *ConnectionHeartBeatPacket, address net.Addr) {
	if !c.isPendingConnect() && !c.IsConnected() {
		return
	}
	if !c.addressIsServer(address) {
		return
	}

	if c.isPendingConnect() {
		c.completePendingConnect(int(packet.ClientIndex))
	}

	c.lastPacketReceiveTime = c.time
}

func (c *Client) processConnectionDisconnect(_ *ConnectionDisconnectPacket, address net.Addr) {
	if c.state != StateConnected {
		return
	}
	if !c.addressIsServer(address) {
		return
	}
	c.disconnect(StateDisconnected, false)
}

func (c *Client) processConnectionPacket(packet *ConnectionPacket, address net.Addr) {
	if !c.IsConnected() {
		return
	}
	if !c.addressIsServer(address) {
		return
	}

	if c.connection != nil {
		c.connection.ProcessPacket(packet)
	}

	c.lastPacketReceiveTime = c.time
}

// OnConnectionPacketReceived implements ConnectionListener.
func (c *Client) OnConnectionPacketReceived(packet *ConnectionPacket) {
	log.Trace().Int("envelopes", len(packet.Envelopes)).Msg("connection packet processed")
}

// OnConnectionMessageReceived implements ConnectionListener.
func (c *Client) OnConnectionMessageReceived(message Message) {
	log.Trace().Uint16("type", message.Type()).Msg("message delivered")
}
