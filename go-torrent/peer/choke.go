package peer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
)

type Choke interface {
	Start(ctx context.Context)
	OptimisticUnchoke() (id int, ok bool)
}

// choke grants periodic optimistic unchokes. Peers that declare interest are
// unchoked by their session on request, so this only rescues peers left choked.
type choke struct {
	peerMgr  PeerManager
	interval time.Duration
	clock    clock.Clock
	log      *logrus.Entry

	rngLock sync.Mutex
	rng     *rand.Rand
}

func NewChoke(
	peerMgr PeerManager,
	interval time.Duration,
	rng *rand.Rand,
	clk clock.Clock,
	log *logrus.Entry) Choke {

	return &choke{
		peerMgr:  peerMgr,
		interval: interval,
		rng:      rng,
		clock:    clk,
		log:      log,
	}
}

func (c *choke) pick(n int) int {
	c.rngLock.Lock()
	defer c.rngLock.Unlock()

	return c.rng.Intn(n)
}

// OptimisticUnchoke unchokes one choked peer chosen uniformly at random. It
// does nothing when no peer is choked.
func (c *choke) OptimisticUnchoke() (int, bool) {
	choked := c.peerMgr.ChokedPeers()
	if len(choked) == 0 {
		return 0, false
	}
	id := choked[c.pick(len(choked))]

	w, ok := c.peerMgr.Wires(nil)[id]
	if !ok {
		return 0, false
	}
	if err := c.peerMgr.SetChoked(id, false); err != nil {
		return 0, false
	}
	if err := w.SendUnchoke(); err != nil {
		c.log.WithError(err).Warnf("Optimistic unchoke of Peer %d failed.", id)
		return 0, false
	}
	c.log.Infof("Optimistically unchoked neighbor %d.", id)
	return id, true
}

func (c *choke) Start(ctx context.Context) {
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.OptimisticUnchoke()
		}
	}
}
