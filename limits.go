package gamenet

// Sizes of the fixed-length credential blobs carried during the handshake.
// The connect token is minted out-of-band (matchmaker) and is opaque to the
// client; the challenge token is issued by the server and echoed back
// verbatim. Both travel with a per-token nonce for their cryptographic
// envelope.
const (
	// ConnectTokenBytes is the length of the opaque connect token blob
	// carried in connection request packets.
	ConnectTokenBytes = 1024

	// ChallengeTokenBytes is the length of the challenge token blob issued
	// by the server and echoed in connection response packets.
	ChallengeTokenBytes = 256

	// NonceBytes is the length of the per-token nonce. It matches the
	// XChaCha20-Poly1305 nonce size used for packet protection.
	NonceBytes = 24

	// KeyBytes is the length of a symmetric session key.
	KeyBytes = 32
)

const (
	// MaxPacketSize is the largest serialized packet the transport will
	// send or accept, header and AEAD overhead included. Sized to fit the
	// connection request packet (the largest handshake packet) with room
	// for framing.
	MaxPacketSize = 4096

	// MaxAddressLength bounds the string form of an endpoint address.
	MaxAddressLength = 256
)

// aeadOverhead is the Poly1305 tag appended to every encrypted packet.
const aeadOverhead = 16
