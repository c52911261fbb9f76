// Package sni extracts the Server Name Indication hostname from the first
// bytes of a TLS connection, without terminating or otherwise interpreting
// the TLS session — SniTun only ever looks at the ClientHello.
package sni

import (
	"encoding/binary"

	"github.com/moovy2/snitun/pkg/snierr"
)

// MaxClientHello is the largest prefix of a connection this package will
// ever inspect looking for a ClientHello.
const MaxClientHello = 2048

const (
	contentTypeHandshake      = 0x16
	handshakeTypeClientHello  = 0x01
	extensionServerName       = 0x0000
	serverNameTypeHostname    = 0x00
	recordHeaderLen           = 5
	handshakeHeaderLen        = 4
	clientHelloFixedPrefixLen = 2 + 32 // legacy_version(2) + random(32)
)

// Extract parses buf as the start of a TLS connection and returns the
// hostname carried in the ClientHello's server_name extension. buf must
// contain the TLS record header, the handshake header, and the whole
// extensions block the ClientHello declares; a buffer that ends anywhere
// before the end of that block is rejected, even if server_name itself is
// complete.
func Extract(buf []byte) (string, error) {
	r := &reader{buf: buf}

	contentType, err := r.byte()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading record content type")
	}
	if contentType != contentTypeHandshake {
		return "", snierr.NewParseSNI("not a TLS handshake record (content type 0x%02x)", contentType)
	}

	if _, err := r.take(2); err != nil { // legacy record version
		return "", snierr.NewParseSNI("short buffer reading record version")
	}
	recordLen, err := r.uint16()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading record length")
	}
	if recordLen == 0 {
		return "", snierr.NewParseSNI("empty TLS record")
	}

	handshakeType, err := r.byte()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading handshake type")
	}
	if handshakeType != handshakeTypeClientHello {
		return "", snierr.NewParseSNI("not a ClientHello (handshake type 0x%02x)", handshakeType)
	}
	if _, err := r.take(3); err != nil { // handshake body length (24-bit)
		return "", snierr.NewParseSNI("short buffer reading handshake length")
	}

	if _, err := r.take(clientHelloFixedPrefixLen); err != nil {
		return "", snierr.NewParseSNI("short buffer reading ClientHello fixed prefix")
	}

	sessionIDLen, err := r.byte()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading session id length")
	}
	if _, err := r.take(int(sessionIDLen)); err != nil {
		return "", snierr.NewParseSNI("short buffer reading session id")
	}

	cipherSuitesLen, err := r.uint16()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading cipher suites length")
	}
	if _, err := r.take(int(cipherSuitesLen)); err != nil {
		return "", snierr.NewParseSNI("short buffer reading cipher suites")
	}

	compressionMethodsLen, err := r.byte()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading compression methods length")
	}
	if _, err := r.take(int(compressionMethodsLen)); err != nil {
		return "", snierr.NewParseSNI("short buffer reading compression methods")
	}

	if r.remaining() == 0 {
		return "", snierr.NewParseSNI("ClientHello carries no extensions")
	}

	extensionsLen, err := r.uint16()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading extensions length")
	}
	extensionsBuf, err := r.take(int(extensionsLen))
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading extensions")
	}

	return extractServerName(extensionsBuf)
}

func extractServerName(extensions []byte) (string, error) {
	r := &reader{buf: extensions}
	for r.remaining() > 0 {
		extType, err := r.uint16()
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading extension type")
		}
		extLen, err := r.uint16()
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading extension length")
		}
		extBody, err := r.take(int(extLen))
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading extension body")
		}
		if extType != extensionServerName {
			continue
		}
		return parseServerNameExtension(extBody)
	}
	return "", snierr.NewParseSNI("no server_name extension present")
}

func parseServerNameExtension(body []byte) (string, error) {
	r := &reader{buf: body}
	listLen, err := r.uint16()
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading server name list length")
	}
	list, err := r.take(int(listLen))
	if err != nil {
		return "", snierr.NewParseSNI("short buffer reading server name list")
	}
	lr := &reader{buf: list}
	for lr.remaining() > 0 {
		nameType, err := lr.byte()
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading server name type")
		}
		nameLen, err := lr.uint16()
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading server name length")
		}
		name, err := lr.take(int(nameLen))
		if err != nil {
			return "", snierr.NewParseSNI("short buffer reading server name")
		}
		if nameType != serverNameTypeHostname {
			continue
		}
		if len(name) == 0 || len(name) > 255 {
			return "", snierr.NewParseSNI("invalid server name length %d", len(name))
		}
		return string(name), nil
	}
	return "", snierr.NewParseSNI("server name list carries no hostname entry")
}

// reader is a minimal bounds-checked cursor over a byte slice.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, errShort
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errShort
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

var errShort = &shortBufferError{}

type shortBufferError struct{}

func (*shortBufferError) Error() string { return "sni: short buffer" }
