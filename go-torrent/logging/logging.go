package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const TIME_FORMAT = "2006-01-02 15:04:05"

// Formatter writes "[time] message" followed by the entry's fields sorted by
// key. The peer field is left out since every line of a log file shares it.
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] %s", entry.Time.Format(TIME_FORMAT), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "peer" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := entry.Data[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func Dir(peerID int) string {
	return "peer_" + strconv.Itoa(peerID)
}

func FileName(peerID int) string {
	return filepath.Join(Dir(peerID), "log_peer_"+strconv.Itoa(peerID)+".log")
}

// New opens the peer's log file for appending and returns an entry tagged
// with the peer id. Output also goes to stderr. The returned closer releases
// the file.
func New(fs afero.Fs, peerID int, level log.Level) (*log.Entry, io.Closer, error) {
	if err := fs.MkdirAll(Dir(peerID), 0755); err != nil {
		return nil, nil, errors.Wrap(err, "creating log directory")
	}
	file, err := fs.OpenFile(FileName(peerID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening log file")
	}
	return NewWithWriter(io.MultiWriter(os.Stderr, file), peerID, level), file, nil
}

func NewWithWriter(w io.Writer, peerID int, level log.Level) *log.Entry {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetFormatter(&Formatter{})
	logger.SetLevel(level)
	return logger.WithField("peer", peerID)
}
