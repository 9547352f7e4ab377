package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

type MessageType uint8

const (
	CHOKE MessageType = iota
	UNCHOKE
	INTERESTED
	NOT_INTERESTED
	HAVE
	BITFIELD
	REQUEST
	PIECE
)

const (
	// length prefix + type
	headerSize = 5
	indexSize  = 4
)

var messageNames = [...]string{
	CHOKE:          "CHOKE",
	UNCHOKE:        "UNCHOKE",
	INTERESTED:     "INTERESTED",
	NOT_INTERESTED: "NOT_INTERESTED",
	HAVE:           "HAVE",
	BITFIELD:       "BITFIELD",
	REQUEST:        "REQUEST",
	PIECE:          "PIECE",
}

func (t MessageType) String() string {
	if t.Valid() {
		return messageNames[t]
	}
	return "UNKNOWN"
}

func (t MessageType) Valid() bool {
	return t <= PIECE
}

// Message is one decoded frame.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Encode frames payload as length(4) || type(1) || payload with length = len(payload)+1.
func Encode(t MessageType, payload []byte) ([]byte, error) {
	if uint64(len(payload))+1 > math.MaxUint32 {
		return nil, errors.Wrapf(ErrInvalidPayload, "%d byte payload does not fit a frame", len(payload))
	}
	b := &bytes.Buffer{}
	b.Grow(headerSize + len(payload))
	binary.Write(b, binary.BigEndian, uint32(len(payload)+1))
	binary.Write(b, binary.BigEndian, uint8(t))
	b.Write(payload)
	return b.Bytes(), nil
}

// Decode parses one complete frame.
func Decode(frame []byte) (MessageType, []byte, error) {
	if len(frame) < headerSize {
		return 0, nil, errors.Wrapf(ErrMalformedFrame, "frame of %d bytes is too short", len(frame))
	}
	length := int64(binary.BigEndian.Uint32(frame[:4]))
	t := MessageType(frame[4])
	payload := frame[headerSize:]
	if int64(len(payload)) != length-1 {
		return 0, nil, errors.Wrapf(ErrMalformedFrame, "payload length mismatch: expected %d, got %d", length-1, len(payload))
	}
	if !t.Valid() {
		return 0, nil, errors.Wrapf(ErrMalformedFrame, "unknown message type %d", t)
	}
	return t, payload, nil
}

func encodeIndex(pieceIndex int) ([]byte, error) {
	if pieceIndex < 0 || int64(pieceIndex) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrInvalidPieceIndex, "%d", pieceIndex)
	}
	payload := make([]byte, indexSize)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return payload, nil
}

func NewChoke() Message         { return Message{Type: CHOKE} }
func NewUnchoke() Message       { return Message{Type: UNCHOKE} }
func NewInterested() Message    { return Message{Type: INTERESTED} }
func NewNotInterested() Message { return Message{Type: NOT_INTERESTED} }

func NewHave(pieceIndex int) (Message, error) {
	payload, err := encodeIndex(pieceIndex)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: HAVE, Payload: payload}, nil
}

func NewRequest(pieceIndex int) (Message, error) {
	payload, err := encodeIndex(pieceIndex)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: REQUEST, Payload: payload}, nil
}

// NewBitfield wraps a bit-vector holding one byte, 0 or 1, per piece.
func NewBitfield(bits []byte) Message {
	return Message{Type: BITFIELD, Payload: bits}
}

func NewPiece(pieceIndex int, data []byte) (Message, error) {
	index, err := encodeIndex(pieceIndex)
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, 0, indexSize+len(data))
	payload = append(payload, index...)
	payload = append(payload, data...)
	return Message{Type: PIECE, Payload: payload}, nil
}

// PieceIndex reads the index carried by a HAVE or REQUEST payload.
func (m Message) PieceIndex() (int, error) {
	if len(m.Payload) != indexSize {
		return 0, errors.Wrapf(ErrMalformedFrame, "%s payload of %d bytes", m.Type, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// PieceData splits a PIECE payload into its index and the piece bytes.
func (m Message) PieceData() (int, []byte, error) {
	if len(m.Payload) < indexSize {
		return 0, nil, errors.Wrapf(ErrMalformedFrame, "%s payload of %d bytes", m.Type, len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload[:indexSize])), m.Payload[indexSize:], nil
}

func (m Message) Encode() ([]byte, error) {
	return Encode(m.Type, m.Payload)
}
