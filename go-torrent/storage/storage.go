package storage

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = func(name string, flag int, perm os.FileMode) (afero.File, error) {
	return appFS.OpenFile(name, flag, perm)
}

var (
	ErrStorageMiss  = errors.New("piece not in storage")
	ErrInvalidPiece = errors.New("invalid piece")
)

type Storage interface {
	Init(totalPieces, pieceSize int, hasCompleteFile bool) error
	GetPiece(pieceIndex int) (data []byte, ok bool)
	SavePiece(pieceIndex int, data []byte) error
	Pieces() (held int)
	Close() error
}
