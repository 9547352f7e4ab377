package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/piece"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/stats"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/storage"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	sync.Mutex
	pieces map[int][]byte
}

func (s *memStorage) Init(totalPieces, pieceSize int, hasCompleteFile bool) error { return nil }

func (s *memStorage) GetPiece(pieceIndex int) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()
	data, ok := s.pieces[pieceIndex]
	return data, ok
}

func (s *memStorage) SavePiece(pieceIndex int, data []byte) error {
	s.Lock()
	defer s.Unlock()
	s.pieces[pieceIndex] = append([]byte(nil), data...)
	return nil
}

func (s *memStorage) Pieces() int {
	s.Lock()
	defer s.Unlock()
	return len(s.pieces)
}

func (s *memStorage) Close() error { return nil }

var _ storage.Storage = (*memStorage)(nil)

type node struct {
	id      int
	swarm   *Swarm
	storage *memStorage
}

func newNode(id, total int, seed bool) *node {
	log := testLogger().WithField("peer", id)
	st := &memStorage{pieces: make(map[int][]byte)}
	if seed {
		for i := 0; i < total; i++ {
			st.pieces[i] = []byte{byte(i), byte(i), byte(i)}
		}
	}
	pm := NewPeerManager(id, total, seed, log)
	return &node{
		id: id,
		swarm: &Swarm{
			LocalID:  id,
			PeerMgr:  pm,
			PieceMgr: piece.NewSequentialPieceManager(pm, 0, log),
			Storage:  st,
			Stats:    stats.NewStats(),
			Log:      log,
		},
		storage: st,
	}
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	select {
	case conn := <-accepted:
		return dialed, conn
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	return nil, nil
}

func connect(ctx context.Context, t *testing.T, a, b *node) {
	ca, cb := tcpPair(t)
	a.swarm.Handle(ctx, b.id, wire.NewWire(ca, 0))
	b.swarm.Handle(ctx, a.id, wire.NewWire(cb, 0))
}

func established(pm PeerManager, id int) func() bool {
	return func() bool {
		state, ok := pm.State(id)
		return ok && state == Established
	}
}

func TestSeedToLeecherBroadcastsHave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newNode(1001, 4, true)
	b := newNode(1002, 4, false)
	c := newNode(1003, 4, false)
	defer a.swarm.PeerMgr.StopPeers()
	defer b.swarm.PeerMgr.StopPeers()
	defer c.swarm.PeerMgr.StopPeers()

	connect(ctx, t, b, c)
	require.Eventually(t, established(c.swarm.PeerMgr, b.id), 2*time.Second, 5*time.Millisecond)
	connect(ctx, t, a, b)

	select {
	case <-b.swarm.PeerMgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("leecher did not complete")
	}
	assert.Equal(t, 4, b.swarm.PeerMgr.Downloaded())
	for i := 0; i < 4; i++ {
		data, ok := b.storage.GetPiece(i)
		require.True(t, ok)
		assert.Equal(t, a.storage.pieces[i], data)
	}
	_, downloaded := b.swarm.Stats.GetTotals()
	assert.Equal(t, 12, downloaded)

	// every Have from B reached C
	assert.Eventually(t, func() bool {
		for i := 0; i < 4; i++ {
			if !c.swarm.PeerMgr.PeersHolding(i).Contains(b.id) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// and C then fetches everything from B
	select {
	case <-c.swarm.PeerMgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second leecher did not complete")
	}
	assert.False(t, a.swarm.PeerMgr.PeersHolding(0).Contains(c.id))
}

// rawPeer drives one side of a session frame by frame.
func rawPeer(ctx context.Context, t *testing.T, n *node, id int) wire.Wire {
	ca, cb := tcpPair(t)
	n.swarm.Handle(ctx, id, wire.NewWire(ca, 0))
	remote := wire.NewWire(cb, 2*time.Second)

	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.BITFIELD, msg.Type)
	require.NoError(t, remote.SendBitfield(make([]byte, n.swarm.PeerMgr.TotalPieces())))
	// an empty bitfield offers nothing, which is declared once
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.NOT_INTERESTED, msg.Type)
	require.Eventually(t, established(n.swarm.PeerMgr, id), 2*time.Second, 5*time.Millisecond)
	return remote
}

func TestInvalidRequestIgnored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newNode(1001, 4, true)
	defer a.swarm.PeerMgr.StopPeers()
	remote := rawPeer(ctx, t, a, 2002)

	require.NoError(t, remote.SendInterested())
	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.UNCHOKE, msg.Type)

	require.NoError(t, remote.SendMessage(wire.Message{Type: wire.REQUEST, Payload: []byte{0xff, 0xff, 0xff, 0xff}}))
	require.NoError(t, remote.SendRequest(4))
	require.NoError(t, remote.SendRequest(1))

	// the first answer is for the valid request
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.PIECE, msg.Type)
	index, data, err := msg.PieceData()
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, []byte{1, 1, 1}, data)

	state, ok := a.swarm.PeerMgr.State(2002)
	assert.True(t, ok)
	assert.Equal(t, Established, state)
}

func TestRequestWhileChokedRefused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newNode(1001, 4, true)
	defer a.swarm.PeerMgr.StopPeers()
	remote := rawPeer(ctx, t, a, 2002)

	require.NoError(t, remote.SendRequest(0))
	require.NoError(t, remote.SendInterested())

	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.UNCHOKE, msg.Type)

	require.NoError(t, remote.SendNotInterested())
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.CHOKE, msg.Type)
	assert.True(t, a.swarm.PeerMgr.IsChoked(2002))
}

func TestLeecherDeclaresInterest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newNode(1002, 2, false)
	defer b.swarm.PeerMgr.StopPeers()
	remote := rawPeer(ctx, t, b, 2001)

	have, err := wire.NewHave(1)
	require.NoError(t, err)
	require.NoError(t, remote.SendMessage(have))
	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.INTERESTED, msg.Type)

	require.NoError(t, remote.SendUnchoke())
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.REQUEST, msg.Type)
	index, err := msg.PieceIndex()
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	require.NoError(t, remote.SendPiece(1, []byte("xy")))
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.NOT_INTERESTED, msg.Type)
	assert.True(t, b.swarm.PeerMgr.HasPiece(1))
}

func TestMissingBitfieldTreatedAsEmpty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newNode(1001, 2, true)
	defer a.swarm.PeerMgr.StopPeers()

	ca, cb := tcpPair(t)
	a.swarm.Handle(ctx, 2002, wire.NewWire(ca, 0))
	remote := wire.NewWire(cb, 2*time.Second)
	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.BITFIELD, msg.Type)

	require.NoError(t, remote.SendInterested())
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.NOT_INTERESTED, msg.Type)
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.UNCHOKE, msg.Type)
	assert.True(t, established(a.swarm.PeerMgr, 2002)())
	assert.Equal(t, 0, a.swarm.PeerMgr.PeersHolding(0).Cardinality())
}

func TestMalformedFrameClosesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newNode(1001, 2, true)
	remote := rawPeer(ctx, t, a, 2002)

	require.NoError(t, remote.SendMessage(wire.Message{Type: wire.HAVE, Payload: []byte{0, 1}}))

	_, err := remote.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool {
		_, ok := a.swarm.PeerMgr.State(2002)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleDuplicateClosesTransport(t *testing.T) {
	a := newNode(1001, 2, true)
	first := &mockWire{}
	require.True(t, a.swarm.PeerMgr.AddPeer(2002, first))

	second := &mockWire{}
	second.On("Close").Return(nil)
	a.swarm.Handle(context.Background(), 2002, second)

	second.AssertExpectations(t)
	require.NoError(t, a.swarm.PeerMgr.SetState(2002, Established))
	assert.Equal(t, map[int]wire.Wire{2002: first}, a.swarm.PeerMgr.Wires(nil))
}

func TestBitfieldPrecedesAnnounce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for round := 0; round < 20; round++ {
		a := newNode(1001, 3, true)
		ca, cb := tcpPair(t)
		a.swarm.Handle(ctx, 2002, wire.NewWire(ca, 0))
		a.swarm.PeerMgr.AnnounceAll()

		remote := wire.NewWire(cb, 2*time.Second)
		msg, err := remote.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, wire.BITFIELD, msg.Type, "round %d", round)
		a.swarm.PeerMgr.StopPeers()
		remote.Close()
	}
}

func TestPiecesStoredBeforeEstablishedAreAnnounced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newNode(1002, 2, false)
	defer b.swarm.PeerMgr.StopPeers()

	ca, cb := tcpPair(t)
	b.swarm.Handle(ctx, 2003, wire.NewWire(ca, 0))
	remote := wire.NewWire(cb, 2*time.Second)
	msg, err := remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.BITFIELD, msg.Type)
	assert.Equal(t, []byte{0, 0}, msg.Payload)

	// stored after the bitfield went out, while the session is not established
	added, err := b.swarm.PeerMgr.MarkLocalDownloaded(0, NoPeer)
	require.NoError(t, err)
	require.True(t, added)
	b.swarm.PeerMgr.BroadcastHave(0, NoPeer)

	require.NoError(t, remote.SendBitfield([]byte{0, 0}))
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.NOT_INTERESTED, msg.Type)
	msg, err = remote.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.HAVE, msg.Type)
	index, err := msg.PieceIndex()
	require.NoError(t, err)
	assert.Equal(t, 0, index)
}

func TestHandleAfterCancelClosesTransport(t *testing.T) {
	a := newNode(1001, 2, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &mockWire{}
	w.On("Close").Return(nil)
	a.swarm.Handle(ctx, 2002, w)

	w.AssertExpectations(t)
	_, ok := a.swarm.PeerMgr.State(2002)
	assert.False(t, ok)
}

func TestSessionStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newNode(1001, 2, true)
	remote := rawPeer(ctx, t, a, 2002)
	defer remote.Close()

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := a.swarm.PeerMgr.State(2002)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	_, err := remote.ReadMessage()
	assert.Error(t, err)
}
