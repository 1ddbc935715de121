package gamenet

import (
	"fmt"

	"github.com/armon/circbuf"
)

// Message is one unit of reliable-ordered delivery between client and
// server. Concrete message types are application-defined and created by the
// application's MessageFactory.
type Message interface {
	// Type returns the application message type tag.
	Type() uint16
	// Marshal serializes the message payload.
	Marshal() ([]byte, error)
	// Unmarshal parses the message payload.
	Unmarshal(data []byte) error
}

// MessageFactory creates messages by type tag. Like the allocator, it
// latches errors instead of failing loudly: the client polls Error on each
// AdvanceTime and tears the session down into StateMessageFactoryError if
// one is set.
type MessageFactory interface {
	// Create returns a fresh message of the given type, or nil for an
	// unknown type (which latches the factory error).
	Create(msgType uint16) Message
	// Error returns the latched error, if any.
	Error() error
	// ClearError clears the latched error.
	ClearError()
}

// blockAssembly reassembles a fragmented block message. Fragments arrive in
// order because the messaging engine delivers envelopes in ID order, so the
// buffer is written sequentially and never wraps: it is pre-sized to the
// exact block size, the same manual-management discipline circbuf is used
// with elsewhere.
type blockAssembly struct {
	msgType      uint16
	blockSize    uint32
	numFragments uint16
	nextFragment uint16
	buf          *circbuf.Buffer
}

func newBlockAssembly(msgType uint16, blockSize uint32, numFragments uint16, maxBlockSize int) (*blockAssembly, error) {
	if int(blockSize) > maxBlockSize {
		return nil, fmt.Errorf("block size %d exceeds maximum %d", blockSize, maxBlockSize)
	}
	if numFragments == 0 {
		return nil, fmt.Errorf("block with zero fragments")
	}
	buf, err := circbuf.NewBuffer(int64(blockSize))
	if err != nil {
		return nil, fmt.Errorf("create block buffer: %w", err)
	}
	return &blockAssembly{
		msgType:      msgType,
		blockSize:    blockSize,
		numFragments: numFragments,
		buf:          buf,
	}, nil
}

// addFragment appends the next fragment. Returns true once the block is
// complete.
func (b *blockAssembly) addFragment(fragmentID uint16, data []byte) (bool, error) {
	if fragmentID != b.nextFragment {
		return false, fmt.Errorf("out of order block fragment: got %d want %d", fragmentID, b.nextFragment)
	}
	if b.buf.TotalWritten()+int64(len(data)) > int64(b.blockSize) {
		return false, fmt.Errorf("block overflow: %d written, %d incoming, %d size",
			b.buf.TotalWritten(), len(data), b.blockSize)
	}
	if _, err := b.buf.Write(data); err != nil {
		return false, fmt.Errorf("write block fragment: %w", err)
	}
	b.nextFragment++
	return b.nextFragment == b.numFragments, nil
}

// bytes returns the reassembled block payload.
func (b *blockAssembly) bytes() []byte {
	return b.buf.Bytes()
}
