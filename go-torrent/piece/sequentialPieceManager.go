package piece

import (
	"context"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"
	"github.com/sirupsen/logrus"
)

var (
	REQUEST_PACING = 100 * time.Millisecond
)

// sequential requests, from each peer independently, every eligible piece in
// ascending index order. Requests to one peer are paced by a token bucket.
type sequential struct {
	sync.Mutex
	avail   Availability
	pacer   *pacer
	pending map[int]*Bitfield
	log     *logrus.Entry
}

func NewSequentialPieceManager(
	avail Availability,
	pacing time.Duration,
	log *logrus.Entry) PieceManager {

	return &sequential{
		avail:   avail,
		pacer:   newPacer(pacing),
		pending: make(map[int]*Bitfield),
		log:     log,
	}
}

// eligible also skips pieces already requested from the peer and not yet
// received, cleared when the peer chokes us.
func (pm *sequential) eligible(id, pieceIndex int) bool {
	if !pm.avail.CanRequest(id, pieceIndex) {
		return false
	}
	pm.Lock()
	defer pm.Unlock()
	pending, ok := pm.pending[id]
	return !ok || !pending.Has(pieceIndex)
}

func (pm *sequential) markPending(id, pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	pending, ok := pm.pending[id]
	if !ok {
		pending = NewBitfield(pm.avail.TotalPieces())
		pm.pending[id] = pending
	}
	pending.Set(pieceIndex)
}

func (pm *sequential) SendPieceRequests(ctx context.Context, id int, w wire.Wire) (int, error) {
	requested := 0
	for pieceIndex := 0; pieceIndex < pm.avail.TotalPieces(); pieceIndex++ {
		if !pm.eligible(id, pieceIndex) {
			continue
		}
		if err := pm.pacer.wait(ctx, id); err != nil {
			return requested, err
		}
		// state may have moved while waiting
		if !pm.eligible(id, pieceIndex) {
			continue
		}
		if err := w.SendRequest(pieceIndex); err != nil {
			return requested, err
		}
		pm.markPending(id, pieceIndex)
		requested++
		pm.log.Debugf("Requested piece %d from Peer %d.", pieceIndex, id)
	}
	return requested, nil
}

func (pm *sequential) PieceReceived(id int, pieceIndex int) {
	pm.Lock()
	defer pm.Unlock()

	if pending, ok := pm.pending[id]; ok && pending.Has(pieceIndex) {
		pending.bits.Set(pieceIndex, false)
	}
}

func (pm *sequential) PeerChoked(id int) {
	pm.Lock()
	defer pm.Unlock()

	delete(pm.pending, id)
}

func (pm *sequential) PeerStopped(id int) {
	pm.Lock()
	delete(pm.pending, id)
	pm.Unlock()

	pm.pacer.forget(id)
}
