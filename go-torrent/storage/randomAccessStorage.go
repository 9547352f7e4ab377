package storage

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	bitmap "github.com/boljen/go-bitmap"
)

// randomAccessStorage keeps the shared file at <dir>/<fileName> and reads or
// writes whole pieces at their offsets.
type randomAccessStorage struct {
	sync.RWMutex
	dir         string
	fileName    string
	fileSize    int
	pieceSize   int
	totalPieces int
	file        afero.File
	held        bitmap.Bitmap
	log         *logrus.Entry
}

func NewRandomAccessStorage(
	dir string,
	fileName string,
	fileSize int,
	log *logrus.Entry) Storage {

	return &randomAccessStorage{
		dir:      dir,
		fileName: fileName,
		fileSize: fileSize,
		log:      log,
	}
}

func (s *randomAccessStorage) path() string {
	return filepath.Join(s.dir, s.fileName)
}

func (s *randomAccessStorage) Init(totalPieces, pieceSize int, hasCompleteFile bool) error {
	s.Lock()
	defer s.Unlock()

	if totalPieces <= 0 || pieceSize <= 0 {
		return errors.Errorf("invalid layout: %d pieces of %d bytes", totalPieces, pieceSize)
	}
	if (totalPieces-1)*pieceSize >= s.fileSize || totalPieces*pieceSize < s.fileSize {
		return errors.Errorf("%d pieces of %d bytes do not cover %d bytes", totalPieces, pieceSize, s.fileSize)
	}
	s.totalPieces = totalPieces
	s.pieceSize = pieceSize
	s.held = bitmap.New(totalPieces)

	if err := appFS.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", s.dir)
	}

	if hasCompleteFile {
		info, err := appFS.Stat(s.path())
		if err != nil {
			return errors.Wrapf(err, "peer holds the complete file but %s is unreadable", s.path())
		}
		if info.Size() < int64(s.fileSize) {
			return errors.Errorf("%s has %d bytes, expected %d", s.path(), info.Size(), s.fileSize)
		}
		file, err := openFile(s.path(), os.O_RDWR, 0644)
		if err != nil {
			return errors.Wrapf(err, "opening %s", s.path())
		}
		s.file = file
		for i := 0; i < totalPieces; i++ {
			s.held.Set(i, true)
		}
		s.log.Infof("Storage ready with the complete file %s (%s).", s.path(), humanize.Bytes(uint64(s.fileSize)))
		return nil
	}

	file, err := openFile(s.path(), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", s.path())
	}
	if err := file.Truncate(int64(s.fileSize)); err != nil {
		file.Close()
		return errors.Wrapf(err, "preallocating %s", s.path())
	}
	s.file = file
	s.log.Infof("Storage preallocated %s (%s).", s.path(), humanize.Bytes(uint64(s.fileSize)))
	return nil
}

// pieceLength is the size of a piece; only the last one may be shorter.
func (s *randomAccessStorage) pieceLength(pieceIndex int) int {
	if pieceIndex == s.totalPieces-1 {
		return s.fileSize - pieceIndex*s.pieceSize
	}
	return s.pieceSize
}

func (s *randomAccessStorage) GetPiece(pieceIndex int) ([]byte, bool) {
	s.RLock()
	defer s.RUnlock()

	if s.file == nil || pieceIndex < 0 || pieceIndex >= s.totalPieces || !s.held.Get(pieceIndex) {
		s.log.Debugf("Piece %d not found.", pieceIndex)
		return nil, false
	}
	data := make([]byte, s.pieceLength(pieceIndex))
	n, err := s.file.ReadAt(data, int64(pieceIndex*s.pieceSize))
	if err != nil && !(err == io.EOF && n == len(data)) {
		s.log.WithError(err).Warnf("Error retrieving piece %d.", pieceIndex)
		return nil, false
	}
	return data, true
}

func (s *randomAccessStorage) SavePiece(pieceIndex int, data []byte) error {
	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return errors.New("storage is not initialized")
	}
	if pieceIndex < 0 || pieceIndex >= s.totalPieces {
		return errors.Wrapf(ErrInvalidPiece, "index %d out of range", pieceIndex)
	}
	if len(data) != s.pieceLength(pieceIndex) {
		return errors.Wrapf(ErrInvalidPiece, "piece %d has %d bytes, expected %d", pieceIndex, len(data), s.pieceLength(pieceIndex))
	}
	if _, err := s.file.WriteAt(data, int64(pieceIndex*s.pieceSize)); err != nil {
		return errors.Wrapf(err, "writing piece %d", pieceIndex)
	}
	s.held.Set(pieceIndex, true)
	s.log.Debugf("Piece %d saved. Size: %s.", pieceIndex, humanize.Bytes(uint64(len(data))))
	return nil
}

func (s *randomAccessStorage) Pieces() int {
	s.RLock()
	defer s.RUnlock()

	n := 0
	for i := 0; i < s.totalPieces; i++ {
		if s.held.Get(i) {
			n++
		}
	}
	return n
}

func (s *randomAccessStorage) Close() error {
	s.Lock()
	defer s.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
