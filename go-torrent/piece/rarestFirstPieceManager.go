package piece

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"
	"github.com/sirupsen/logrus"
)

const (
	MAX_OUTSTANDING_REQUESTS = 5
)

// rarestFirst requests the eligible pieces advertised by the fewest peers
// first. A piece is outstanding with at most one peer at a time and each peer
// has at most MAX_OUTSTANDING_REQUESTS pieces outstanding.
type rarestFirst struct {
	sync.Mutex
	avail       Availability
	pacer       *pacer
	downloading map[int]int
	log         *logrus.Entry
}

type candidate struct {
	pieceIndex  int
	availabilty int
}

func NewRarestFirstPieceManager(
	avail Availability,
	pacing time.Duration,
	log *logrus.Entry) PieceManager {

	return &rarestFirst{
		avail:       avail,
		pacer:       newPacer(pacing),
		downloading: make(map[int]int),
		log:         log,
	}
}

func (pm *rarestFirst) outstanding(id int) int {
	n := 0
	for _, owner := range pm.downloading {
		if owner == id {
			n++
		}
	}
	return n
}

func (pm *rarestFirst) candidates(id int) []candidate {
	pm.Lock()
	defer pm.Unlock()

	pieces := []candidate{}
	for pieceIndex := 0; pieceIndex < pm.avail.TotalPieces(); pieceIndex++ {
		if _, ok := pm.downloading[pieceIndex]; ok {
			continue
		}
		if !pm.avail.CanRequest(id, pieceIndex) {
			continue
		}
		pieces = append(pieces, candidate{
			pieceIndex:  pieceIndex,
			availabilty: pm.avail.PeersHolding(pieceIndex).Cardinality(),
		})
	}
	// sort them by rarity, lowest index first among equals
	sort.SliceStable(pieces, func(i, j int) bool {
		return pieces[i].availabilty < pieces[j].availabilty
	})
	return pieces
}

// claim reserves a piece for the peer unless another peer took it or the
// peer already has enough outstanding.
func (pm *rarestFirst) claim(id, pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.downloading[pieceIndex]; ok {
		return false
	}
	if pm.outstanding(id) >= MAX_OUTSTANDING_REQUESTS {
		return false
	}
	pm.downloading[pieceIndex] = id
	return true
}

func (pm *rarestFirst) release(pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.downloading, pieceIndex)
}

func (pm *rarestFirst) SendPieceRequests(ctx context.Context, id int, w wire.Wire) (int, error) {
	requested := 0
	for _, c := range pm.candidates(id) {
		if err := pm.pacer.wait(ctx, id); err != nil {
			return requested, err
		}
		if !pm.avail.CanRequest(id, c.pieceIndex) || !pm.claim(id, c.pieceIndex) {
			continue
		}
		if err := w.SendRequest(c.pieceIndex); err != nil {
			pm.release(c.pieceIndex)
			return requested, err
		}
		requested++
		pm.log.Debugf("Requested piece %d (held by %d peers) from Peer %d.", c.pieceIndex, c.availabilty, id)
	}
	return requested, nil
}

func (pm *rarestFirst) PieceReceived(id int, pieceIndex int) {
	pm.release(pieceIndex)
}

func (pm *rarestFirst) releasePeer(id int) {
	pm.Lock()
	defer pm.Unlock()

	for pieceIndex, owner := range pm.downloading {
		if owner == id {
			delete(pm.downloading, pieceIndex)
		}
	}
}

func (pm *rarestFirst) PeerChoked(id int) {
	pm.releasePeer(id)
}

func (pm *rarestFirst) PeerStopped(id int) {
	pm.releasePeer(id)
	pm.pacer.forget(id)
}
