package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID tags a peer wire message.
type MessageID uint8

// All non-keepalive messages with their IDs:
//   - choke 0 (remote will not fulfil our requests)
//   - unchoke 1 (remote will fulfil our requests)
//   - interested 2 (we want data from the remote)
//   - not interested 3 (we no longer want data)
//   - have 4 (piece index the remote now has)
//   - bitfield 5 (encodes which pieces the remote can serve)
//   - request 6 (payload <index><begin><length> asking for a block)
//   - piece 7 (payload <index><begin><block> carrying a block)
//   - cancel 8 (identical payload to request, withdraws it)
//   - port 9 (the remote's DHT node listen port)
const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
	MsgPort          MessageID = 9
)

// Message is one length-prefixed wire message. A nil *Message stands for
// a keep-alive (length zero, no id).
type Message struct {
	ID      MessageID
	Payload []byte
}

// Request names a block by piece index, byte offset within the piece and
// length. The same triple serves request and cancel messages.
type Request struct {
	Index  int
	Begin  int
	Length int
}

func NewRequest(req Request) *Message {
	return &Message{ID: MsgRequest, Payload: requestPayload(req)}
}

func NewCancel(req Request) *Message {
	return &Message{ID: MsgCancel, Payload: requestPayload(req)}
}

func requestPayload(req Request) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(req.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(req.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(req.Length))
	return payload
}

// ParseRequest reads the <index><begin><length> payload of a request or
// cancel message.
func ParseRequest(msg *Message) (Request, error) {
	if msg.ID != MsgRequest && msg.ID != MsgCancel {
		return Request{}, fmt.Errorf("expected request or cancel, got ID %d", msg.ID)
	}
	if len(msg.Payload) != 12 {
		return Request{}, fmt.Errorf("expected payload of length 12, got length %d", len(msg.Payload))
	}
	return Request{
		Index:  int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(msg.Payload[8:12])),
	}, nil
}

// NewHave creates a have message for the given piece index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != MsgHave {
		return -1, fmt.Errorf("expected ID of %d (have), got ID %d", MsgHave, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return -1, fmt.Errorf("expected payload of length 4, got length %d", len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// NewPiece creates a piece message carrying a block.
func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

// NewPort creates a port message advertising a DHT node listen port.
func NewPort(port uint16) *Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, port)
	return &Message{ID: MsgPort, Payload: payload}
}

// ParsePort extracts the DHT listen port from a port message.
func ParsePort(msg *Message) (uint16, error) {
	if msg.ID != MsgPort {
		return 0, fmt.Errorf("expected ID of %d (port), got ID %d", MsgPort, msg.ID)
	}
	if len(msg.Payload) != 2 {
		return 0, fmt.Errorf("expected payload of length 2, got length %d", len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload), nil
}

// Block is the decoded payload of a piece message.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

// ParsePiece decodes the <index><begin><block> payload of a piece message.
func ParsePiece(msg *Message) (Block, error) {
	if msg.ID != MsgPiece {
		return Block{}, fmt.Errorf("expected ID of %d (piece), got ID %d", MsgPiece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return Block{}, fmt.Errorf("payload too short: %d < 8", len(msg.Payload))
	}
	return Block{
		Index: int(binary.BigEndian.Uint32(msg.Payload[0:4])),
		Begin: int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Data:  msg.Payload[8:],
	}, nil
}

// Serialize puts together a message. Serializing a nil message yields
// the 4 zero bytes of a keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}

	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// ReadMessage reads one length-prefixed message. A keep-alive comes back
// as (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	bufLen := make([]byte, 4)
	_, err := io.ReadFull(r, bufLen)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen)

	if length == 0 {
		return nil, nil
	}

	payloadBuf := make([]byte, length)
	_, err = io.ReadFull(r, payloadBuf)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:      MessageID(payloadBuf[0]),
		Payload: payloadBuf[1:],
	}, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgPort:
		return "Port"
	default:
		return fmt.Sprintf("unknown message type with ID: %d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
