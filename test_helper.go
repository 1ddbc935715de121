package gamenet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Shared fixtures for client and connection tests: a trivial message type,
// a message factory with a latchable error, and a minimal handshake server
// speaking the protocol over a loopback transport pair.

const (
	testMessageTypeData uint16 = 1
	testMessageTypeBig  uint16 = 2
)

// testMessage is a message carrying an opaque byte payload.
type testMessage struct {
	msgType uint16
	Data    []byte
}

func (m *testMessage) Type() uint16 { return m.msgType }

func (m *testMessage) Marshal() ([]byte, error) {
	buf := make([]byte, 4+len(m.Data))
	binary.BigEndian.PutUint32(buf, uint32(len(m.Data)))
	copy(buf[4:], m.Data)
	return buf, nil
}

func (m *testMessage) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("test message too short")
	}
	n := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+n {
		return fmt.Errorf("test message truncated")
	}
	m.Data = make([]byte, n)
	copy(m.Data, data[4:4+n])
	return nil
}

// testMessageFactory creates testMessages and lets tests latch an error on
// demand to exercise the client's factory error handling.
type testMessageFactory struct {
	err     error
	created int
}

func newTestMessageFactory() *testMessageFactory {
	return &testMessageFactory{}
}

func (f *testMessageFactory) Create(msgType uint16) Message {
	switch msgType {
	case testMessageTypeData, testMessageTypeBig:
		f.created++
		return &testMessage{msgType: msgType}
	default:
		f.err = fmt.Errorf("unknown message type %d", msgType)
		return nil
	}
}

func (f *testMessageFactory) Error() error { return f.err }

func (f *testMessageFactory) ClearError() { f.err = nil }

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func testKey(fill byte) *[KeyBytes]byte {
	var key [KeyBytes]byte
	for i := range key {
		key[i] = fill
	}
	return &key
}

// testEnv wires a client and a handshake server over linked loopback
// transports.
type testEnv struct {
	client          *Client
	clientTransport *LoopbackTransport
	server          *handshakeServer
	messageFactory  *testMessageFactory
	clientAddr      net.Addr
	serverAddr      net.Addr
}

func newTestEnv(config ClientServerConfig, callbacks ClientCallbacks) *testEnv {
	clientAddr := testAddr(30000)
	serverAddr := testAddr(40000)

	clientTransport := NewLoopbackTransport(clientAddr, NewClientServerPacketFactory())
	serverTransport := NewLoopbackTransport(serverAddr, NewClientServerPacketFactory())
	LinkLoopbackTransports(clientTransport, serverTransport)

	messageFactory := newTestMessageFactory()
	if callbacks.CreateMessageFactory == nil {
		callbacks.CreateMessageFactory = func(Allocator) MessageFactory { return messageFactory }
	}

	return &testEnv{
		client:          NewClient(clientTransport, config, callbacks),
		clientTransport: clientTransport,
		server:          newHandshakeServer(serverTransport, clientAddr),
		messageFactory:  messageFactory,
		clientAddr:      clientAddr,
		serverAddr:      serverAddr,
	}
}

// tick runs one canonical client tick: advance time, receive, send, check
// timeout, then lets the server consume and answer whatever arrived.
func (e *testEnv) tick(time float64) {
	e.client.AdvanceTime(time)
	e.client.ReceivePackets()
	e.client.SendPackets()
	e.client.CheckForTimeOut()
	e.server.pump()
}

// connectSecure starts a secure connect with fixed test credentials.
func (e *testEnv) connectSecure(expire uint64) error {
	token := make([]byte, ConnectTokenBytes)
	for i := range token {
		token[i] = 0xAA
	}
	nonce := make([]byte, NonceBytes)
	for i := range nonce {
		nonce[i] = 0xBB
	}
	clientToServer := testKey(0x11)
	serverToClient := testKey(0x22)
	e.server.setupEncryption(clientToServer, serverToClient)
	return e.client.Connect(e.serverAddr, token, nonce, clientToServer, serverToClient, expire)
}

// handshakeServer answers the client side of the handshake: challenge on
// request, heartbeat on response or insecure connect. It can also run its
// own messaging engine to exercise connected-state data exchange.
type handshakeServer struct {
	transport  *LoopbackTransport
	clientAddr net.Addr
	sequence   uint64

	clientIndex     int32
	deny            bool
	silent          bool
	heartbeatOnTick bool

	challengeData  [ChallengeTokenBytes]byte
	challengeNonce [NonceBytes]byte

	// lastResponse records the challenge token echoed by the client.
	lastResponse *ConnectionResponsePacket

	connection *Connection
}

func newHandshakeServer(transport *LoopbackTransport, clientAddr net.Addr) *handshakeServer {
	s := &handshakeServer{
		transport:   transport,
		clientAddr:  clientAddr,
		clientIndex: 3,
	}
	for i := range s.challengeData {
		s.challengeData[i] = 0xCC
	}
	for i := range s.challengeNonce {
		s.challengeNonce[i] = 0xDD
	}
	return s
}

func (s *handshakeServer) setupEncryption(clientToServer, serverToClient *[KeyBytes]byte) {
	s.transport.EnablePacketEncryption()
	s.transport.DisableEncryptionForPacketType(PacketTypeConnectionRequest)
	s.transport.AddEncryptionMapping(s.clientAddr, serverToClient, clientToServer)
}

func (s *handshakeServer) enableMessaging(factory MessageFactory) {
	s.connection = NewConnection(s.transport.PacketFactory(), factory, DefaultConnectionConfig())
}

func (s *handshakeServer) send(packet Packet) {
	s.sequence++
	s.transport.SendPacket(s.clientAddr, packet, s.sequence, false)
}

// pump drains the server transport and answers per protocol.
func (s *handshakeServer) pump() {
	for {
		packet, from, _ := s.transport.ReceivePacket()
		if packet == nil {
			break
		}
		if from.String() != s.clientAddr.String() || s.silent {
			continue
		}
		s.handle(packet)
	}
	if s.heartbeatOnTick {
		s.send(&ConnectionHeartBeatPacket{ClientIndex: s.clientIndex})
	}
}

// handle answers a single client packet per protocol.
func (s *handshakeServer) handle(packet Packet) {
	switch p := packet.(type) {
	case *ConnectionRequestPacket:
		if s.deny {
			s.send(&ConnectionDeniedPacket{})
			return
		}
		s.send(&ConnectionChallengePacket{
			ChallengeTokenData:  s.challengeData,
			ChallengeTokenNonce: s.challengeNonce,
		})
	case *ConnectionResponsePacket:
		s.lastResponse = p
		s.send(&ConnectionHeartBeatPacket{ClientIndex: s.clientIndex})
	case *InsecureConnectPacket:
		if !s.deny {
			s.send(&ConnectionHeartBeatPacket{ClientIndex: s.clientIndex})
		}
	case *ConnectionPacket:
		if s.connection != nil {
			s.connection.ProcessPacket(p)
			if out := s.connection.GeneratePacket(); out != nil {
				s.send(out)
			}
		}
	}
}

// gamePacket is an application-defined packet type for hook routing tests.
type gamePacket struct{}

func (p *gamePacket) Type() PacketType         { return PacketTypeUserStart }
func (p *gamePacket) Marshal() ([]byte, error) { return nil, nil }
func (p *gamePacket) Unmarshal([]byte) error   { return nil }
