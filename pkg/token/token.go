// Package token decodes and validates the Fernet handshake tokens clients
// present when opening a tunnel. Minting tokens is the job of a trusted,
// external issuer (out of scope here, per the project's boundaries); this
// package only validates tokens it receives, plus a Mint helper used by
// tests and operator tooling to produce fixtures in the same wire format.
package token

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/moovy2/snitun/pkg/crypto"
	"github.com/moovy2/snitun/pkg/snierr"
)

// maxKeyTTL effectively disables fernet-go's own built-in timestamp TTL
// check (it is keyed off the token's internal creation time, a different
// clock than the ValidUntil field SniTun embeds and checks itself) without
// disabling fernet's signature/structure validation, which we still need.
const maxKeyTTL = 100 * 365 * 24 * time.Hour

const challengeSize = 32

// Claims is the decoded, validated plaintext of a handshake token.
type Claims struct {
	ValidUntil time.Time
	Hostnames  []string
	AESKey     []byte
	AESIV      []byte
}

// Registry holds the pre-shared Fernet key for every known client
// identity, so the server can try each in turn against an incoming token
// and learn which client it belongs to from whichever key verifies it.
type Registry struct {
	keys map[string]*fernet.Key
}

// NewRegistry builds a Registry from identity -> base64-encoded Fernet key
// pairs, as loaded from configuration.
func NewRegistry(encoded map[string]string) (*Registry, error) {
	keys := make(map[string]*fernet.Key, len(encoded))
	for id, enc := range encoded {
		k, err := fernet.DecodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("token: decode key for %q: %w", id, err)
		}
		keys[id] = k
	}
	return &Registry{keys: keys}, nil
}

// Validate checks tok against every registered key, requiring the embedded
// challenge to match the one the server issued and the embedded ValidUntil
// to be strictly in the future. It returns the identity of whichever
// registered client's key verified the token.
func (r *Registry) Validate(tok []byte, challenge [challengeSize]byte, now time.Time) (identity string, claims *Claims, err error) {
	for id, key := range r.keys {
		msg := fernet.VerifyAndDecrypt(tok, maxKeyTTL, []*fernet.Key{key})
		if msg == nil {
			continue
		}
		c, derr := decodePlaintext(msg)
		if derr != nil {
			return "", nil, snierr.NewAuthentication("malformed token plaintext: %v", derr)
		}
		if c.challenge != challenge {
			return "", nil, snierr.NewAuthentication("challenge mismatch")
		}
		if !c.ValidUntil.After(now) {
			return "", nil, snierr.NewAuthentication("token expired at %s", c.ValidUntil)
		}
		return id, &c.Claims, nil
	}
	return "", nil, snierr.NewAuthentication("no registered key verifies this token")
}

// Mint encodes claims into the Fernet wire format this package validates.
// Production token issuance lives outside this repo; Mint exists so tests
// and operator tooling can produce fixtures in the exact same format.
func Mint(key *fernet.Key, challenge [challengeSize]byte, claims Claims) ([]byte, error) {
	plain, err := encodePlaintext(challenge, claims)
	if err != nil {
		return nil, err
	}
	return fernet.EncryptAndSign(plain, key)
}

type plaintextClaims struct {
	challenge [challengeSize]byte
	Claims
}

func encodePlaintext(challenge [challengeSize]byte, claims Claims) ([]byte, error) {
	if len(claims.AESKey) != crypto.KeySize {
		return nil, fmt.Errorf("token: aes key must be %d bytes", crypto.KeySize)
	}
	if len(claims.AESIV) != crypto.IVSize {
		return nil, fmt.Errorf("token: aes iv must be %d bytes", crypto.IVSize)
	}
	if len(claims.Hostnames) == 0 || len(claims.Hostnames) > 255 {
		return nil, fmt.Errorf("token: hostname count must be 1..255, got %d", len(claims.Hostnames))
	}

	buf := make([]byte, 0, challengeSize+8+1+64+crypto.KeySize+crypto.IVSize)
	buf = append(buf, challenge[:]...)

	var validUntil [8]byte
	binary.BigEndian.PutUint64(validUntil[:], uint64(claims.ValidUntil.Unix()))
	buf = append(buf, validUntil[:]...)

	buf = append(buf, byte(len(claims.Hostnames)))
	for _, h := range claims.Hostnames {
		if len(h) == 0 || len(h) > 255 {
			return nil, fmt.Errorf("token: hostname %q has invalid length", h)
		}
		buf = append(buf, byte(len(h)))
		buf = append(buf, h...)
	}

	buf = append(buf, claims.AESKey...)
	buf = append(buf, claims.AESIV...)
	return buf, nil
}

func decodePlaintext(buf []byte) (*plaintextClaims, error) {
	if len(buf) < challengeSize+8+1 {
		return nil, fmt.Errorf("token: plaintext too short (%d bytes)", len(buf))
	}
	var c plaintextClaims
	copy(c.challenge[:], buf[:challengeSize])
	buf = buf[challengeSize:]

	validUntil := int64(binary.BigEndian.Uint64(buf[:8]))
	c.ValidUntil = time.Unix(validUntil, 0).UTC()
	buf = buf[8:]

	count := int(buf[0])
	buf = buf[1:]

	hostnames := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if len(buf) < 1 {
			return nil, fmt.Errorf("token: truncated hostname length at entry %d", i)
		}
		l := int(buf[0])
		buf = buf[1:]
		if len(buf) < l {
			return nil, fmt.Errorf("token: truncated hostname at entry %d", i)
		}
		hostnames = append(hostnames, string(buf[:l]))
		buf = buf[l:]
	}
	c.Hostnames = hostnames

	if len(buf) != crypto.KeySize+crypto.IVSize {
		return nil, fmt.Errorf("token: unexpected trailing length %d for key+iv", len(buf))
	}
	c.AESKey = append([]byte(nil), buf[:crypto.KeySize]...)
	c.AESIV = append([]byte(nil), buf[crypto.KeySize:]...)

	return &c, nil
}
