package sni

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildClientHello assembles a minimal-but-valid TLS record containing a
// ClientHello with a single server_name extension, for test purposes only.
func buildClientHello(t *testing.T, hostname string) []byte {
	t.Helper()

	var serverNameEntry []byte
	serverNameEntry = append(serverNameEntry, 0x00) // host_name type
	serverNameEntry = append(serverNameEntry, byte(len(hostname)>>8), byte(len(hostname)))
	serverNameEntry = append(serverNameEntry, hostname...)

	var serverNameList []byte
	serverNameList = append(serverNameList, byte(len(serverNameEntry)>>8), byte(len(serverNameEntry)))
	serverNameList = append(serverNameList, serverNameEntry...)

	var sniExtBody []byte
	sniExtBody = append(sniExtBody, byte(len(serverNameList)>>8), byte(len(serverNameList)))
	sniExtBody = append(sniExtBody, serverNameList...)

	var sniExt []byte
	sniExt = append(sniExt, 0x00, 0x00) // extension type: server_name
	sniExt = append(sniExt, byte(len(sniExtBody)>>8), byte(len(sniExtBody)))
	sniExt = append(sniExt, sniExtBody...)

	extensions := sniExt

	var clientHelloBody []byte
	clientHelloBody = append(clientHelloBody, 0x03, 0x03)              // legacy_version
	clientHelloBody = append(clientHelloBody, make([]byte, 32)...)     // random
	clientHelloBody = append(clientHelloBody, 0x00)                    // session id len 0
	clientHelloBody = append(clientHelloBody, 0x00, 0x02, 0x13, 0x01)  // cipher suites len 2, one suite
	clientHelloBody = append(clientHelloBody, 0x01, 0x00)              // compression methods len 1, null
	clientHelloBody = append(clientHelloBody, byte(len(extensions)>>8), byte(len(extensions)))
	clientHelloBody = append(clientHelloBody, extensions...)

	var handshake []byte
	handshake = append(handshake, handshakeTypeClientHello)
	bodyLen := len(clientHelloBody)
	handshake = append(handshake, byte(bodyLen>>16), byte(bodyLen>>8), byte(bodyLen))
	handshake = append(handshake, clientHelloBody...)

	var record []byte
	record = append(record, contentTypeHandshake)
	record = append(record, 0x03, 0x01) // legacy record version
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)

	return record
}

func TestExtractHappyPath(t *testing.T) {
	buf := buildClientHello(t, "example.com")
	host, err := Extract(buf)
	require.NoError(t, err)
	require.Equal(t, "example.com", host)
}

func TestExtractRejectsNonHandshakeRecord(t *testing.T) {
	buf := buildClientHello(t, "example.com")
	buf[0] = 0x17 // application data
	_, err := Extract(buf)
	require.Error(t, err)
}

func TestExtractRejectsTruncatedBuffer(t *testing.T) {
	buf := buildClientHello(t, "example.com")
	_, err := Extract(buf[:len(buf)-5])
	require.Error(t, err)
}

func TestExtractRejectsMissingSNI(t *testing.T) {
	var clientHelloBody []byte
	clientHelloBody = append(clientHelloBody, 0x03, 0x03)
	clientHelloBody = append(clientHelloBody, make([]byte, 32)...)
	clientHelloBody = append(clientHelloBody, 0x00)
	clientHelloBody = append(clientHelloBody, 0x00, 0x02, 0x13, 0x01)
	clientHelloBody = append(clientHelloBody, 0x01, 0x00)
	clientHelloBody = append(clientHelloBody, 0x00, 0x00) // extensions length 0, no SNI

	var handshake []byte
	handshake = append(handshake, handshakeTypeClientHello)
	bodyLen := len(clientHelloBody)
	handshake = append(handshake, byte(bodyLen>>16), byte(bodyLen>>8), byte(bodyLen))
	handshake = append(handshake, clientHelloBody...)

	var record []byte
	record = append(record, contentTypeHandshake)
	record = append(record, 0x03, 0x01)
	record = append(record, byte(len(handshake)>>8), byte(len(handshake)))
	record = append(record, handshake...)

	_, err := Extract(record)
	require.Error(t, err)
}

func TestExtractRejectsEmptyHostname(t *testing.T) {
	buf := buildClientHello(t, "")
	_, err := Extract(buf)
	require.Error(t, err)
}
