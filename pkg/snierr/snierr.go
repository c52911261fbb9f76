// Package snierr defines the typed error kinds shared across SniTun's
// components, so callers at a component boundary can branch on errors.As
// instead of matching on error strings.
package snierr

import "fmt"

// ParseSNI is returned when a TLS ClientHello buffer cannot be parsed, or
// does not carry an SNI server_name extension.
type ParseSNI struct {
	Reason string
}

func (e *ParseSNI) Error() string { return "parse sni: " + e.Reason }

// NewParseSNI builds a ParseSNI error with a formatted reason.
func NewParseSNI(format string, args ...interface{}) error {
	return &ParseSNI{Reason: fmt.Sprintf(format, args...)}
}

// Protocol is returned when a frame violates the multiplexer's wire
// invariants. It is always fatal to the peer session that produced it.
type Protocol struct {
	Reason string
}

func (e *Protocol) Error() string { return "protocol violation: " + e.Reason }

// NewProtocol builds a Protocol error with a formatted reason.
func NewProtocol(format string, args ...interface{}) error {
	return &Protocol{Reason: fmt.Sprintf(format, args...)}
}

// MultiplexerTransport is returned when the underlying transport of a
// multiplexer is lost; it surfaces on every channel operation in flight.
type MultiplexerTransport struct {
	Cause error
}

func (e *MultiplexerTransport) Error() string {
	if e.Cause == nil {
		return "multiplexer transport closed"
	}
	return "multiplexer transport: " + e.Cause.Error()
}

func (e *MultiplexerTransport) Unwrap() error { return e.Cause }

// NewMultiplexerTransport wraps cause (which may be nil for a clean close).
func NewMultiplexerTransport(cause error) error {
	return &MultiplexerTransport{Cause: cause}
}

// Authentication is returned when a handshake token fails validation. The
// caller must close the socket without writing a reply.
type Authentication struct {
	Reason string
}

func (e *Authentication) Error() string { return "authentication failed: " + e.Reason }

// NewAuthentication builds an Authentication error with a formatted reason.
func NewAuthentication(format string, args ...interface{}) error {
	return &Authentication{Reason: fmt.Sprintf(format, args...)}
}

// Timeout is returned when a handshake, ping, or outside-read exceeds its
// deadline.
type Timeout struct {
	Op string
}

func (e *Timeout) Error() string { return "timeout: " + e.Op }

// NewTimeout builds a Timeout error naming the operation that expired.
func NewTimeout(op string) error {
	return &Timeout{Op: op}
}
