package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	humanize "github.com/dustin/go-humanize"
)

type Stats interface {
	UpdatePeer(id int, uploaded int, downloaded int)
	GetPeerStats() (peerStats map[int]PeerStat)
	GetTotals() (uploaded int, downloaded int)
	Summary() string
}

type stats struct {
	sync.Mutex

	totalUpload   int
	totalDownload int
	peerStats     map[int]*PeerStat
}

type PeerStat struct {
	Uploaded         int
	Downloaded       int
	PiecesUploaded   int
	PiecesDownloaded int
}

func NewStats() Stats {
	return &stats{
		peerStats: make(map[int]*PeerStat),
	}
}

// UpdatePeer records one piece worth of bytes sent to or received from a peer.
func (s *stats) UpdatePeer(id int, uploaded int, downloaded int) {
	s.Lock()
	defer s.Unlock()

	peerStat, ok := s.peerStats[id]
	if !ok {
		peerStat = &PeerStat{}
		s.peerStats[id] = peerStat
	}
	if uploaded > 0 {
		peerStat.Uploaded += uploaded
		peerStat.PiecesUploaded++
		s.totalUpload += uploaded
	}
	if downloaded > 0 {
		peerStat.Downloaded += downloaded
		peerStat.PiecesDownloaded++
		s.totalDownload += downloaded
	}
}

func (s *stats) GetPeerStats() map[int]PeerStat {
	s.Lock()
	defer s.Unlock()

	peerStats := make(map[int]PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		peerStats[id] = *peerStat
	}
	return peerStats
}

func (s *stats) GetTotals() (int, int) {
	s.Lock()
	defer s.Unlock()

	return s.totalUpload, s.totalDownload
}

func (s *stats) Summary() string {
	peerStats := s.GetPeerStats()
	uploaded, downloaded := s.GetTotals()

	ids := make([]int, 0, len(peerStats))
	for id := range peerStats {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	b := &strings.Builder{}
	fmt.Fprintf(b, "uploaded %s, downloaded %s", humanize.Bytes(uint64(uploaded)), humanize.Bytes(uint64(downloaded)))
	for _, id := range ids {
		ps := peerStats[id]
		fmt.Fprintf(b, "; Peer %d: up %s (%d pieces), down %s (%d pieces)",
			id,
			humanize.Bytes(uint64(ps.Uploaded)), ps.PiecesUploaded,
			humanize.Bytes(uint64(ps.Downloaded)), ps.PiecesDownloaded)
	}
	return b.String()
}
