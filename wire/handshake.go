package wire

import (
	"bytes"
	"fmt"
	"io"
)

// ProtocolString identifies version 1 of the peer wire protocol.
const ProtocolString = "BitTorrent protocol"

// handshakeLen is the fixed length of the handshake exchange: 1 byte of
// protocol-string length, 19 bytes of protocol string, 8 reserved bytes,
// 20 bytes of info-hash and 20 bytes of peer id.
const handshakeLen = 68

// Handshake is the first exchange on a fresh peer connection.
type Handshake struct {
	Pstr     string
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     ProtocolString,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Serialize puts together the 68-byte handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake off the wire.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(ProtocolString) {
		return nil, fmt.Errorf("pstr length should be %d but is %d", len(ProtocolString), pstrLen)
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}

	if pstr := string(handshakeBuf[0:pstrLen]); pstr != ProtocolString {
		return nil, fmt.Errorf("unknown protocol string %q", pstr)
	}

	var infoHash, peerID [20]byte
	copy(infoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(peerID[:], handshakeBuf[pstrLen+8+20:])

	return &Handshake{
		Pstr:     string(handshakeBuf[0:pstrLen]),
		InfoHash: infoHash,
		PeerID:   peerID,
	}, nil
}

// VerifyInfoHash rejects a handshake for a different torrent.
func (h *Handshake) VerifyInfoHash(infoHash [20]byte) error {
	if !bytes.Equal(h.InfoHash[:], infoHash[:]) {
		return fmt.Errorf("expected infohash %x but got %x", infoHash, h.InfoHash)
	}
	return nil
}
