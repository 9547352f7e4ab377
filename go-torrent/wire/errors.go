package wire

import (
	"github.com/pkg/errors"
)

var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidHandshake  = errors.New("invalid handshake")
	ErrInvalidPeerID     = errors.New("invalid peer id")
	ErrInvalidPieceIndex = errors.New("invalid piece index")
)

// TransportError is a failed read or write on the connection underneath a Wire.
// The connection is unusable afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
