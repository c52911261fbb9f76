// Package frame implements the wire codec for SniTun's multiplexed frames:
// a fixed plaintext header (channel id, type, length, reserved extra bytes)
// followed by a variable-length payload, both encrypted with the peer's
// AES-CBC session key before hitting the wire.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/snierr"
)

// Type identifies a frame's purpose on the wire.
type Type byte

const (
	TypeNew    Type = 0x01
	TypeData   Type = 0x02
	TypeClose  Type = 0x04
	TypePing   Type = 0x08
	TypePause  Type = 0x16
	TypeResume Type = 0x17
)

func (t Type) String() string {
	switch t {
	case TypeNew:
		return "NEW"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypePing:
		return "PING"
	case TypePause:
		return "PAUSE"
	case TypeResume:
		return "RESUME"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

func validType(t Type) bool {
	switch t {
	case TypeNew, TypeData, TypeClose, TypePing, TypePause, TypeResume:
		return true
	default:
		return false
	}
}

const (
	// ChannelIDSize is the number of bytes in a channel identifier.
	ChannelIDSize = 16
	// ExtraSize is the number of reserved, type-dependent bytes following
	// the length field in the plaintext header.
	ExtraSize = 11
	// MaxFrame is the largest payload a single frame may carry.
	MaxFrame = 4 * 1024 * 1024
	// MaxData is the largest payload a DATA frame's sender should use;
	// larger application writes are fragmented to this size.
	MaxData = 4 * 1024

	aesBlock = 16
	// HeaderCipherBlocks is the number of AES blocks occupied by the
	// encrypted header (id+type+length+extra fill them exactly).
	HeaderCipherBlocks = 2
	// HeaderCipherSizeBytes is HeaderCipherBlocks*aesBlock (32 bytes of
	// ciphertext on the wire for every frame's header).
	HeaderCipherSizeBytes = HeaderCipherBlocks * aesBlock
)

// ChannelID is a 16-byte random identifier unique per channel within one
// peer session.
type ChannelID [ChannelIDSize]byte

func (c ChannelID) String() string {
	return fmt.Sprintf("%x", [ChannelIDSize]byte(c))
}

// Frame is a fully decoded wire frame.
type Frame struct {
	ChannelID ChannelID
	Type      Type
	Extra     [ExtraSize]byte
	Payload   []byte
}

// encodeHeaderPlain lays out the 32 bytes of plaintext that get encrypted as
// the frame header: id(16) type(1) length(4) extra(11) = 32 bytes, filling
// two AES blocks exactly.
func encodeHeaderPlain(id ChannelID, t Type, length uint32, extra [ExtraSize]byte) [HeaderCipherSizeBytes]byte {
	var buf [HeaderCipherSizeBytes]byte
	copy(buf[0:16], id[:])
	buf[16] = byte(t)
	binary.BigEndian.PutUint32(buf[17:21], length)
	copy(buf[21:21+ExtraSize], extra[:])
	return buf
}

// Encode serializes a frame to ciphertext bytes ready to write to the
// transport, using codec for the per-peer AES-CBC session key/IV.
func Encode(codec *crypto.Codec, id ChannelID, t Type, extra [ExtraSize]byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrame {
		return nil, snierr.NewProtocol("payload %d exceeds max frame %d", len(payload), MaxFrame)
	}
	headerBytes := encodeHeaderPlain(id, t, uint32(len(payload)), extra)
	headerCipher, err := codec.EncryptBlock(headerBytes[:])
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	payloadCipher, err := codec.EncryptPadded(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := make([]byte, 0, len(headerCipher)+len(payloadCipher))
	out = append(out, headerCipher...)
	out = append(out, payloadCipher...)
	return out, nil
}

// Decode reads exactly one frame from r, decrypting its header and payload
// with codec. It enforces the max frame size and known-type invariants,
// returning a *snierr.Protocol for any violation.
func Decode(r io.Reader, codec *crypto.Codec) (*Frame, error) {
	headerCipher := make([]byte, HeaderCipherSizeBytes)
	if _, err := io.ReadFull(r, headerCipher); err != nil {
		return nil, err
	}
	headerBytes, err := codec.DecryptBlock(headerCipher)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	var id ChannelID
	copy(id[:], headerBytes[0:16])
	t := Type(headerBytes[16])
	length := binary.BigEndian.Uint32(headerBytes[17:21])
	var extra [ExtraSize]byte
	copy(extra[:], headerBytes[21:21+ExtraSize])

	if length > MaxFrame {
		return nil, snierr.NewProtocol("frame length %d exceeds max %d", length, MaxFrame)
	}
	if !validType(t) {
		return nil, snierr.NewProtocol("unknown frame type 0x%02x", byte(t))
	}

	cipherLen := paddedLen(int(length))
	payloadCipher := make([]byte, cipherLen)
	if cipherLen > 0 {
		if _, err := io.ReadFull(r, payloadCipher); err != nil {
			return nil, err
		}
	}
	payload, err := codec.DecryptPadded(payloadCipher, int(length))
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	return &Frame{ChannelID: id, Type: t, Extra: extra, Payload: payload}, nil
}

// paddedLen returns the PKCS#7-padded ciphertext length for a plaintext of
// size n, following ceil((n+1)/16)*16 so that the padding byte is always
// accounted for even when n is already block-aligned.
func paddedLen(n int) int {
	if n == 0 {
		return aesBlock
	}
	blocks := (n + 1 + aesBlock - 1) / aesBlock
	return blocks * aesBlock
}
