package peer

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestOptimisticUnchokeNoChokedPeers(t *testing.T) {
	pm := NewPeerManager(1000, 2, false, testLogger())
	unchoked := &mockWire{}
	establish(t, pm, 1001, unchoked)
	pm.SetChoked(1001, false)
	pending := &mockWire{}
	pm.AddPeer(1002, pending)

	c := NewChoke(pm, time.Second, rand.New(rand.NewSource(1)), clock.NewMock(), testLogger())
	_, ok := c.OptimisticUnchoke()

	assert.False(t, ok)
	assert.False(t, pm.IsChoked(1001))
	assert.True(t, pm.IsChoked(1002))
	unchoked.AssertNotCalled(t, "SendUnchoke")
	pending.AssertNotCalled(t, "SendUnchoke")
}

func TestOptimisticUnchokePicksOneChokedPeer(t *testing.T) {
	pm := NewPeerManager(1000, 2, false, testLogger())
	wires := map[int]*mockWire{}
	for _, id := range []int{1001, 1002, 1003} {
		w := &mockWire{}
		w.On("SendUnchoke").Return(nil)
		wires[id] = w
		establish(t, pm, id, w)
	}

	c := NewChoke(pm, time.Second, rand.New(rand.NewSource(7)), clock.NewMock(), testLogger())
	id, ok := c.OptimisticUnchoke()

	assert.True(t, ok)
	assert.False(t, pm.IsChoked(id))
	assert.Len(t, pm.ChokedPeers(), 2)
	for other, w := range wires {
		if other == id {
			w.AssertNumberOfCalls(t, "SendUnchoke", 1)
		} else {
			w.AssertNotCalled(t, "SendUnchoke")
		}
	}
}

func TestOptimisticUnchokeIsDeterministicForSeed(t *testing.T) {
	pick := func() int {
		pm := NewPeerManager(1000, 2, false, testLogger())
		for id := 1001; id <= 1005; id++ {
			w := &mockWire{}
			w.On("SendUnchoke").Return(nil)
			establish(t, pm, id, w)
		}
		c := NewChoke(pm, time.Second, rand.New(rand.NewSource(42)), clock.NewMock(), testLogger())
		id, _ := c.OptimisticUnchoke()
		return id
	}
	assert.Equal(t, pick(), pick())
}

func TestChokeStartTicks(t *testing.T) {
	pm := NewPeerManager(1000, 2, false, testLogger())
	w := &mockWire{}
	w.On("SendUnchoke").Return(nil)
	establish(t, pm, 1001, w)

	clk := clock.NewMock()
	c := NewChoke(pm, 5*time.Second, rand.New(rand.NewSource(1)), clk, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	assert.Eventually(t, func() bool {
		clk.Add(5 * time.Second)
		return !pm.IsChoked(1001)
	}, 2*time.Second, 10*time.Millisecond)
	w.AssertCalled(t, "SendUnchoke")
	w.AssertNotCalled(t, "SendHave", mock.Anything)
}
