package config

import (
	"bufio"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	COMMON_CONFIG    = "Common.cfg"
	PEER_INFO_CONFIG = "PeerInfo.cfg"
)

// Common holds the transfer parameters shared by every peer.
type Common struct {
	// NumberOfPreferredNeighbors and UnchokingInterval are accepted so existing
	// Common.cfg files parse. Interested peers are unchoked on request, so
	// neither is read.
	NumberOfPreferredNeighbors  int    `mapstructure:"numberofpreferredneighbors"`
	UnchokingInterval           int    `mapstructure:"unchokinginterval"`
	OptimisticUnchokingInterval int    `mapstructure:"optimisticunchokinginterval"`
	FileName                    string `mapstructure:"filename"`
	FileSize                    int    `mapstructure:"filesize"`
	PieceSize                   int    `mapstructure:"piecesize"`
	// milliseconds between two requests to the same peer
	RequestPacing int `mapstructure:"requestpacing"`
	// seconds
	DialTimeout int `mapstructure:"dialtimeout"`
	// sequential or rarest
	PieceSelection string `mapstructure:"pieceselection"`
}

type PeerInfo struct {
	ID      int
	Host    string
	Port    int
	HasFile bool
}

func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

type Transfer struct {
	PieceSize     int
	FileSize      int
	TotalPieces   int
	LastPieceSize int
}

type Config struct {
	Common Common
	Peers  []PeerInfo
}

func defaultCommon() Common {
	return Common{
		OptimisticUnchokingInterval: 15,
		RequestPacing:               100,
		DialTimeout:                 5,
		PieceSelection:              "sequential",
	}
}

// Load reads Common.cfg and PeerInfo.cfg from dir.
func Load(fs afero.Fs, dir string) (*Config, error) {
	commonFile, err := fs.Open(filepath.Join(dir, COMMON_CONFIG))
	if err != nil {
		return nil, errors.Wrap(err, "opening "+COMMON_CONFIG)
	}
	defer commonFile.Close()
	common, err := ParseCommon(commonFile)
	if err != nil {
		return nil, errors.Wrap(err, "parsing "+COMMON_CONFIG)
	}

	peerFile, err := fs.Open(filepath.Join(dir, PEER_INFO_CONFIG))
	if err != nil {
		return nil, errors.Wrap(err, "opening "+PEER_INFO_CONFIG)
	}
	defer peerFile.Close()
	peers, err := ParsePeerInfo(peerFile)
	if err != nil {
		return nil, errors.Wrap(err, "parsing "+PEER_INFO_CONFIG)
	}

	return &Config{Common: common, Peers: peers}, nil
}

// ParseCommon reads "Key Value" lines. Keys are case-insensitive.
func ParseCommon(r io.Reader) (Common, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return Common{}, errors.Errorf("line %d: expected \"Key Value\", got %q", lineNo, line)
		}
		values[strings.ToLower(fields[0])] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return Common{}, err
	}

	common := defaultCommon()
	if err := mapstructure.WeakDecode(values, &common); err != nil {
		return Common{}, err
	}
	if err := common.validate(); err != nil {
		return Common{}, err
	}
	return common, nil
}

func (c Common) validate() error {
	switch {
	case c.FileName == "":
		return errors.New("FileName is required")
	case c.FileSize <= 0:
		return errors.Errorf("FileSize must be positive, got %d", c.FileSize)
	case c.PieceSize <= 0:
		return errors.Errorf("PieceSize must be positive, got %d", c.PieceSize)
	case c.PieceSize > wire.MaxPieceLength():
		return errors.Errorf("PieceSize %d exceeds the largest piece frame of %d bytes", c.PieceSize, wire.MaxPieceLength())
	case (c.FileSize+c.PieceSize-1)/c.PieceSize > wire.MaxPieces():
		return errors.Errorf("%d pieces of %d bytes exceed the largest bitfield frame", (c.FileSize+c.PieceSize-1)/c.PieceSize, c.PieceSize)
	case c.OptimisticUnchokingInterval <= 0:
		return errors.Errorf("OptimisticUnchokingInterval must be positive, got %d", c.OptimisticUnchokingInterval)
	case c.RequestPacing < 0:
		return errors.Errorf("RequestPacing must not be negative, got %d", c.RequestPacing)
	case c.DialTimeout <= 0:
		return errors.Errorf("DialTimeout must be positive, got %d", c.DialTimeout)
	case c.PieceSelection != "sequential" && c.PieceSelection != "rarest":
		return errors.Errorf("PieceSelection must be sequential or rarest, got %q", c.PieceSelection)
	}
	return nil
}

// ParsePeerInfo reads "peerID host port hasFile" lines, keeping their order.
func ParsePeerInfo(r io.Reader) ([]PeerInfo, error) {
	peers := []PeerInfo{}
	seen := make(map[int]bool)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, errors.Errorf("line %d: expected \"peerID host port hasFile\", got %q", lineNo, line)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 {
			return nil, errors.Errorf("line %d: invalid peer id %q", lineNo, fields[0])
		}
		port, err := strconv.Atoi(fields[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.Errorf("line %d: invalid port %q", lineNo, fields[2])
		}
		hasFile, err := strconv.ParseBool(fields[3])
		if err != nil {
			return nil, errors.Errorf("line %d: invalid hasFile flag %q", lineNo, fields[3])
		}
		if seen[id] {
			return nil, errors.Errorf("line %d: duplicate peer id %d", lineNo, id)
		}
		seen[id] = true
		peers = append(peers, PeerInfo{ID: id, Host: fields[1], Port: port, HasFile: hasFile})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, errors.New("no peers listed")
	}
	return peers, nil
}

func (c *Config) Roster() []PeerInfo {
	return c.Peers
}

func (c *Config) Lookup(id int) (PeerInfo, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

// Predecessors lists the peers before id in roster order. A peer dials these
// and waits for the ones after it to dial in.
func (c *Config) Predecessors(id int) []PeerInfo {
	peers := []PeerInfo{}
	for _, p := range c.Peers {
		if p.ID == id {
			break
		}
		peers = append(peers, p)
	}
	return peers
}

func (c *Config) Transfer() Transfer {
	total := (c.Common.FileSize + c.Common.PieceSize - 1) / c.Common.PieceSize
	return Transfer{
		PieceSize:     c.Common.PieceSize,
		FileSize:      c.Common.FileSize,
		TotalPieces:   total,
		LastPieceSize: c.Common.FileSize - (total-1)*c.Common.PieceSize,
	}
}

func (c *Config) OptimisticUnchokingInterval() time.Duration {
	return time.Duration(c.Common.OptimisticUnchokingInterval) * time.Second
}

func (c *Config) RequestPacing() time.Duration {
	return time.Duration(c.Common.RequestPacing) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Common.DialTimeout) * time.Second
}
