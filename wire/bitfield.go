package wire

import "fmt"

// Bitfield encodes which pieces a peer is able to send, one bit per
// piece, most significant bit first. Sent as the first message after the
// handshake; a peer with nothing may skip it entirely.
type Bitfield []byte

// NewBitfield returns an all-zero bitfield sized for numPieces.
func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

// Has reports whether the piece at index is available.
func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set marks the piece at index as available.
func (bf Bitfield) Set(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count is the number of set bits.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

// Validate checks the bitfield length against the piece count and
// rejects set spare bits in the final byte.
func (bf Bitfield) Validate(numPieces int) error {
	if len(bf) != (numPieces+7)/8 {
		return fmt.Errorf("bitfield length %d does not match %d pieces", len(bf), numPieces)
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.Has(i) {
			return fmt.Errorf("bitfield has spare bit %d set", i)
		}
	}
	return nil
}

// NewBitfieldMessage wraps a bitfield into its wire message.
func NewBitfieldMessage(bf Bitfield) *Message {
	return &Message{ID: MsgBitfield, Payload: bf}
}
