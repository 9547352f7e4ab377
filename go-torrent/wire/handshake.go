package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	HANDSHAKE_HEADER = "P2PFILESHARINGPROJ0000000000"
	HANDSHAKE_SIZE   = len(HANDSHAKE_HEADER) + 4
)

// 28 + 4
type Handshake struct {
	Header [28]byte
	PeerID uint32
}

func EncodeHandshake(peerID int) ([]byte, error) {
	if peerID < 0 || int64(peerID) > math.MaxUint32 {
		return nil, errors.Wrapf(ErrInvalidPeerID, "%d", peerID)
	}
	h := &Handshake{PeerID: uint32(peerID)}
	copy(h.Header[:], HANDSHAKE_HEADER)
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, h)
	return b.Bytes(), nil
}

func DecodeHandshake(data []byte) (int, error) {
	if len(data) != HANDSHAKE_SIZE {
		return 0, errors.Wrapf(ErrInvalidHandshake, "length %d", len(data))
	}
	h := &Handshake{}
	binary.Read(bytes.NewReader(data), binary.BigEndian, h)
	if string(h.Header[:]) != HANDSHAKE_HEADER {
		return 0, errors.Wrapf(ErrInvalidHandshake, "header %q", h.Header[:])
	}
	return int(h.PeerID), nil
}
