package piece

import (
	"context"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	SEQUENTIAL   = "sequential"
	RAREST_FIRST = "rarest"
)

// Availability is the view of shared peer state a PieceManager selects from.
type Availability interface {
	TotalPieces() int
	// CanRequest reports whether the local peer lacks the piece, the remote peer
	// advertises it and the remote peer is not choking the local peer.
	CanRequest(id int, pieceIndex int) bool
	PeersHolding(pieceIndex int) mapset.Set
}

type PieceManager interface {
	SendPieceRequests(ctx context.Context, id int, wire wire.Wire) (requested int, err error)
	PieceReceived(id int, pieceIndex int)
	PeerChoked(id int)
	PeerStopped(id int)
}

// NewPieceManager builds the request selection strategy named in the config.
func NewPieceManager(strategy string, avail Availability, pacing time.Duration, log *logrus.Entry) (PieceManager, error) {
	switch strategy {
	case "", SEQUENTIAL:
		return NewSequentialPieceManager(avail, pacing, log), nil
	case RAREST_FIRST:
		return NewRarestFirstPieceManager(avail, pacing, log), nil
	}
	return nil, errors.Errorf("unknown piece selection %q", strategy)
}

// pacer spaces out successive requests to the same peer.
type pacer struct {
	sync.Mutex
	pacing   time.Duration
	limiters map[int]*rate.Limiter
}

func newPacer(pacing time.Duration) *pacer {
	return &pacer{
		pacing:   pacing,
		limiters: make(map[int]*rate.Limiter),
	}
}

func (p *pacer) wait(ctx context.Context, id int) error {
	p.Lock()
	lim, ok := p.limiters[id]
	if !ok {
		limit := rate.Inf
		if p.pacing > 0 {
			limit = rate.Every(p.pacing)
		}
		lim = rate.NewLimiter(limit, 1)
		p.limiters[id] = lim
	}
	p.Unlock()

	return lim.Wait(ctx)
}

func (p *pacer) forget(id int) {
	p.Lock()
	defer p.Unlock()

	delete(p.limiters, id)
}
