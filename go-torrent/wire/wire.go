package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	// MAX_FRAME_LENGTH bounds the length prefix accepted from a remote peer.
	MAX_FRAME_LENGTH uint32 = 64 << 20
)

// MaxPieceLength is the largest piece a Piece frame can carry: the frame
// length also counts the type byte and the 4-byte index.
func MaxPieceLength() int {
	return int(MAX_FRAME_LENGTH) - 5
}

// MaxPieces is the largest piece count whose Bitfield frame fits.
func MaxPieces() int {
	return int(MAX_FRAME_LENGTH) - 1
}

type Wire interface {
	// Handshake
	SendHandshake(peerID int) error
	ReadHandshake() (peerID int, err error)

	// Reading
	ReadMessage() (Message, error)

	// Writing
	SendMessage(msg Message) error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitfield(bitfield []byte) error
	SendRequest(pieceIndex int) error
	SendPiece(pieceIndex int, data []byte) error

	// Other
	SetDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

type wire struct {
	conn        net.Conn
	readTimeout time.Duration
	sendLock    sync.Mutex
	closeOnce   sync.Once
	closeErr    error
}

// NewWire wraps an established connection. A zero readTimeout leaves reads
// without a deadline.
func NewWire(conn net.Conn, readTimeout time.Duration) Wire {
	return &wire{
		conn:        conn,
		readTimeout: readTimeout,
	}
}

func (w *wire) SendHandshake(peerID int) error {
	data, err := EncodeHandshake(peerID)
	if err != nil {
		return err
	}
	return w.send(data)
}

func (w *wire) ReadHandshake() (int, error) {
	data := make([]byte, HANDSHAKE_SIZE)
	w.setReadDeadline()
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return 0, &TransportError{Op: "read handshake", Err: err}
	}
	return DecodeHandshake(data)
}

// ReadMessage blocks for the next frame. It returns io.EOF, unwrapped, when the
// remote closed the connection cleanly between frames.
func (w *wire) ReadMessage() (Message, error) {
	header := make([]byte, 4)
	w.setReadDeadline()
	n, err := io.ReadFull(w.conn, header)
	if err == io.EOF && n == 0 {
		return Message{}, io.EOF
	}
	if err != nil {
		return Message{}, &TransportError{Op: "read", Err: err}
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > MAX_FRAME_LENGTH {
		return Message{}, errors.Wrapf(ErrMalformedFrame, "frame length %d", length)
	}
	frame := make([]byte, 4+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(w.conn, frame[4:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, &TransportError{Op: "read", Err: err}
	}

	t, payload, err := Decode(frame)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: payload}, nil
}

func (w *wire) SendMessage(msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	return w.send(frame)
}

func (w *wire) SendChoke() error {
	return w.SendMessage(NewChoke())
}

func (w *wire) SendUnchoke() error {
	return w.SendMessage(NewUnchoke())
}

func (w *wire) SendInterested() error {
	return w.SendMessage(NewInterested())
}

func (w *wire) SendNotInterested() error {
	return w.SendMessage(NewNotInterested())
}

func (w *wire) SendHave(pieceIndex int) error {
	msg, err := NewHave(pieceIndex)
	if err != nil {
		return err
	}
	return w.SendMessage(msg)
}

func (w *wire) SendBitfield(bitfield []byte) error {
	return w.SendMessage(NewBitfield(bitfield))
}

func (w *wire) SendRequest(pieceIndex int) error {
	msg, err := NewRequest(pieceIndex)
	if err != nil {
		return err
	}
	return w.SendMessage(msg)
}

func (w *wire) SendPiece(pieceIndex int, data []byte) error {
	msg, err := NewPiece(pieceIndex, data)
	if err != nil {
		return err
	}
	return w.SendMessage(msg)
}

func (w *wire) SetDeadline(t time.Time) error {
	return w.conn.SetDeadline(t)
}

func (w *wire) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w *wire) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func (w *wire) setReadDeadline() {
	if w.readTimeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
}

// send writes one whole frame. Concurrent senders on the same connection are
// serialized so frames never interleave.
func (w *wire) send(frame []byte) error {
	w.sendLock.Lock()
	defer w.sendLock.Unlock()

	if _, err := w.conn.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
