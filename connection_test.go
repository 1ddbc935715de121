package gamenet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(factory *testMessageFactory) *Connection {
	return NewConnection(NewClientServerPacketFactory(), factory, DefaultConnectionConfig())
}

// TestConnectionInOrderDelivery verifies messages arrive in send order and
// that the returned ack releases them from the sender's queue.
func TestConnectionInOrderDelivery(t *testing.T) {
	factory := newTestMessageFactory()
	sender := newTestConnection(factory)
	receiver := newTestConnection(factory)

	for _, payload := range []string{"one", "two", "three"} {
		sender.SendMessage(&testMessage{msgType: testMessageTypeData, Data: []byte(payload)})
	}
	require.NoError(t, sender.Error())

	packet := sender.GeneratePacket()
	require.NotNil(t, packet)
	receiver.ProcessPacket(packet)
	require.NoError(t, receiver.Error())

	for _, want := range []string{"one", "two", "three"} {
		message := receiver.ReceiveMessage()
		require.NotNil(t, message)
		assert.Equal(t, []byte(want), message.(*testMessage).Data)
	}
	assert.Nil(t, receiver.ReceiveMessage())

	// The receiver's next packet carries the cumulative ack.
	ack := receiver.GeneratePacket()
	require.NotNil(t, ack)
	assert.Equal(t, uint16(3), ack.AckMessageID)

	sender.ProcessPacket(ack)
	assert.Empty(t, sender.sendQueue, "acked messages must leave the send queue")
	assert.Nil(t, sender.GeneratePacket(), "nothing left to send")
}

// TestConnectionDuplicateDelivery verifies a replayed packet delivers
// nothing twice.
func TestConnectionDuplicateDelivery(t *testing.T) {
	factory := newTestMessageFactory()
	sender := newTestConnection(factory)
	receiver := newTestConnection(factory)

	sender.SendMessage(&testMessage{msgType: testMessageTypeData, Data: []byte("once")})
	packet := sender.GeneratePacket()
	require.NotNil(t, packet)

	receiver.ProcessPacket(packet)
	receiver.ProcessPacket(packet)
	require.NoError(t, receiver.Error())

	require.NotNil(t, receiver.ReceiveMessage())
	assert.Nil(t, receiver.ReceiveMessage(), "duplicate must not deliver")
}

// TestConnectionOutOfOrderPackets verifies delivery order holds when
// packets arrive reordered: the later envelope waits for the gap to fill.
func TestConnectionOutOfOrderPackets(t *testing.T) {
	factory := newTestMessageFactory()
	sender := newTestConnection(factory)
	receiver := newTestConnection(factory)

	sender.SendMessage(&testMessage{msgType: testMessageTypeData, Data: []byte("first")})
	first := sender.GeneratePacket()
	require.NotNil(t, first)

	sender.SendMessage(&testMessage{msgType: testMessageTypeData, Data: []byte("second")})
	second := sender.GeneratePacket()
	require.NotNil(t, second)
	require.Len(t, second.Envelopes, 1, "the unexpired first message must not be resent yet")

	receiver.ProcessPacket(second)
	assert.Nil(t, receiver.ReceiveMessage(), "second message must wait for the first")

	receiver.ProcessPacket(first)
	msg := receiver.ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("first"), msg.(*testMessage).Data)
	msg = receiver.ReceiveMessage()
	require.NotNil(t, msg)
	assert.Equal(t, []byte("second"), msg.(*testMessage).Data)
}

// TestConnectionResend verifies an unacked message is bundled again once
// the resend interval passes.
func TestConnectionResend(t *testing.T) {
	factory := newTestMessageFactory()
	sender := newTestConnection(factory)

	sender.SendMessage(&testMessage{msgType: testMessageTypeData, Data: []byte("retry")})
	require.NotNil(t, sender.GeneratePacket())
	assert.Nil(t, sender.GeneratePacket(), "no resend inside the resend interval")

	sender.AdvanceTime(messageResendRate + 0.01)
	resent := sender.GeneratePacket()
	require.NotNil(t, resent)
	assert.Len(t, resent.Envelopes, 1)
}

// TestConnectionBlockMessage verifies a payload larger than the fragment
// size is fragmented, reassembled and delivered as one message.
func TestConnectionBlockMessage(t *testing.T) {
	factory := newTestMessageFactory()
	config := DefaultConnectionConfig()
	config.BlockFragmentSize = 16
	sender := NewConnection(NewClientServerPacketFactory(), factory, config)
	receiver := NewConnection(NewClientServerPacketFactory(), factory, config)

	payload := bytes.Repeat([]byte("abcdefgh"), 10) // 80 bytes, 5+ fragments
	sender.SendMessage(&testMessage{msgType: testMessageTypeBig, Data: payload})
	require.NoError(t, sender.Error())
	assert.Greater(t, len(sender.sendQueue), 1, "block must occupy several envelopes")

	for i := 0; i < 10; i++ {
		packet := sender.GeneratePacket()
		if packet == nil {
			break
		}
		receiver.ProcessPacket(packet)
		require.NoError(t, receiver.Error())
		if ack := receiver.GeneratePacket(); ack != nil {
			sender.ProcessPacket(ack)
		}
		sender.AdvanceTime(sender.time + messageResendRate + 0.01)
	}
	assert.Empty(t, sender.sendQueue, "all fragments must be acked")

	message := receiver.ReceiveMessage()
	require.NotNil(t, message, "reassembled block must be delivered")
	assert.Equal(t, payload, message.(*testMessage).Data)
}

// TestConnectionSendQueueOverflow verifies a full send queue latches the
// engine error instead of dropping silently.
func TestConnectionSendQueueOverflow(t *testing.T) {
	factory := newTestMessageFactory()
	config := DefaultConnectionConfig()
	config.MessageSendQueueSize = 2
	conn := NewConnection(NewClientServerPacketFactory(), factory, config)

	conn.SendMessage(&testMessage{msgType: testMessageTypeData})
	conn.SendMessage(&testMessage{msgType: testMessageTypeData})
	assert.False(t, conn.CanSendMessage())
	require.NoError(t, conn.Error())

	conn.SendMessage(&testMessage{msgType: testMessageTypeData})
	assert.Error(t, conn.Error())
}

// TestConnectionReset verifies reset returns the engine to a reusable
// state, latched error included.
func TestConnectionReset(t *testing.T) {
	factory := newTestMessageFactory()
	config := DefaultConnectionConfig()
	config.MessageSendQueueSize = 1
	conn := NewConnection(NewClientServerPacketFactory(), factory, config)

	conn.SendMessage(&testMessage{msgType: testMessageTypeData})
	conn.SendMessage(&testMessage{msgType: testMessageTypeData})
	require.Error(t, conn.Error())

	conn.Reset()
	assert.NoError(t, conn.Error())
	assert.Empty(t, conn.sendQueue)
	assert.True(t, conn.CanSendMessage())
	assert.Nil(t, conn.GeneratePacket())
}

// TestBlockAssemblyRejectsOutOfOrderFragment verifies assembly is strict
// about fragment order; ordered delivery upstream guarantees it.
func TestBlockAssemblyRejectsOutOfOrderFragment(t *testing.T) {
	assembly, err := newBlockAssembly(testMessageTypeBig, 32, 2, 1024)
	require.NoError(t, err)

	_, err = assembly.addFragment(1, []byte("out of order"))
	assert.Error(t, err)

	done, err := assembly.addFragment(0, bytes.Repeat([]byte("x"), 16))
	require.NoError(t, err)
	assert.False(t, done)

	done, err = assembly.addFragment(1, bytes.Repeat([]byte("y"), 16))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, assembly.bytes(), 32)
}
