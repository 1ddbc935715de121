package gamenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestClientStateOrdering verifies the numeric ordering the predicates are
// defined in terms of: failure states below disconnected, in-progress
// states between disconnected and connected.
func TestClientStateOrdering(t *testing.T) {
	ascending := []ClientState{
		StatePacketFactoryError,
		StateMessageFactoryError,
		StateStreamAllocatorError,
		StateConnectionRequestTimeout,
		StateChallengeResponseTimeout,
		StateConnectionTimeout,
		StateConnectionError,
		StateConnectionDenied,
		StateInsecureConnectTimeout,
		StateDisconnected,
		StateSendingInsecureConnect,
		StateSendingConnectionRequest,
		StateSendingChallengeResponse,
		StateConnected,
	}
	for i := 1; i < len(ascending); i++ {
		assert.Less(t, ascending[i-1], ascending[i],
			"%v must sort below %v", ascending[i-1], ascending[i])
	}
	assert.Equal(t, ClientState(0), StateDisconnected)
}

// TestClientStatePredicates checks the predicate partition for every state.
func TestClientStatePredicates(t *testing.T) {
	tests := []struct {
		state        ClientState
		connecting   bool
		connected    bool
		disconnected bool
		failed       bool
	}{
		{StatePacketFactoryError, false, false, true, true},
		{StateMessageFactoryError, false, false, true, true},
		{StateStreamAllocatorError, false, false, true, true},
		{StateConnectionRequestTimeout, false, false, true, true},
		{StateChallengeResponseTimeout, false, false, true, true},
		{StateConnectionTimeout, false, false, true, true},
		{StateConnectionError, false, false, true, true},
		{StateConnectionDenied, false, false, true, true},
		{StateInsecureConnectTimeout, false, false, true, true},
		{StateDisconnected, false, false, true, false},
		{StateSendingInsecureConnect, true, false, false, false},
		{StateSendingConnectionRequest, true, false, false, false},
		{StateSendingChallengeResponse, true, false, false, false},
		{StateConnected, false, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.connecting, tt.state.IsConnecting())
			assert.Equal(t, tt.connected, tt.state.IsConnected())
			assert.Equal(t, tt.disconnected, tt.state.IsDisconnected())
			assert.Equal(t, tt.failed, tt.state.ConnectionFailed())
		})
	}
}

// TestClientStateNames spot-checks the human-readable names.
func TestClientStateNames(t *testing.T) {
	assert.Equal(t, "connection request timeout", StateConnectionRequestTimeout.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "sending challenge response", StateSendingChallengeResponse.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", ClientState(99).String())
}
