package peer

import (
	"sort"
	"sync"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/piece"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NoPeer marks a piece that was not received from a remote peer.
const NoPeer = -1

var ErrUnknownPeer = errors.New("unknown peer")

type State int

const (
	Connecting State = iota
	HandshakeDone
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeDone:
		return "HandshakeDone"
	case Established:
		return "Established"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

// PeerManager is the registry of remote peers and the local piece state.
// Every call is one atomic unit; no call spans another.
type PeerManager interface {
	// piece.Availability
	TotalPieces() int
	CanRequest(id int, pieceIndex int) bool

	AddPeer(id int, w wire.Wire) bool
	RemovePeer(id int)
	SetState(id int, state State) error
	State(id int) (State, bool)

	SetRemoteHasPiece(id int, pieceIndex int) error
	SetRemoteBitfield(id int, bitfield *piece.Bitfield) error
	SetChoked(id int, choked bool) error
	SetRemoteInterested(id int, interested bool) error
	SetChokedByRemote(id int, choked bool) error
	UpdateInterest(id int) (interested bool, changed bool, err error)
	IsChoked(id int) bool
	IsChokedByRemote(id int) bool
	IsRemoteInterested(id int) bool
	Interesting(id int) bool

	MarkLocalDownloaded(pieceIndex int, source int) (bool, error)
	HasPiece(pieceIndex int) bool
	Downloaded() int
	Completed() bool
	SnapshotLocalBitfield() *piece.Bitfield

	PeersHolding(pieceIndex int) mapset.Set
	ChokedPeers() []int
	Wires(exclude mapset.Set) map[int]wire.Wire

	AnnounceAll()
	BroadcastHave(pieceIndex int, from int)
	StopPeers()

	Done() <-chan struct{}
	Progress() <-chan int
}

type peerState struct {
	wire             wire.Wire
	state            State
	bitfield         *piece.Bitfield
	choked           bool
	remoteInterested bool
	chokedByRemote   bool
	interested       bool
	interestSent     bool
}

type peerManager struct {
	sync.Mutex
	localID    int
	total      int
	peers      map[int]*peerState
	local      *piece.Bitfield
	downloaded mapset.Set
	done       chan struct{}
	doneOnce   sync.Once
	progress   chan int
	log        *logrus.Entry
}

// NewPeerManager creates the registry. A peer started with the complete file
// holds every piece from the outset.
func NewPeerManager(localID, totalPieces int, complete bool, log *logrus.Entry) PeerManager {
	pm := &peerManager{
		localID:    localID,
		total:      totalPieces,
		peers:      make(map[int]*peerState),
		local:      piece.NewBitfield(totalPieces),
		downloaded: mapset.NewThreadUnsafeSet(),
		done:       make(chan struct{}),
		progress:   make(chan int, totalPieces),
		log:        log,
	}
	if complete {
		pm.local = piece.NewFullBitfield(totalPieces)
		for i := 0; i < totalPieces; i++ {
			pm.downloaded.Add(i)
		}
		pm.finish()
	}
	return pm
}

func (pm *peerManager) TotalPieces() int {
	return pm.total
}

func (pm *peerManager) lookup(id int) (*peerState, error) {
	p, ok := pm.peers[id]
	if !ok {
		pm.log.WithField("remote", id).Debug("Registry operation on unknown peer.")
		return nil, errors.Wrapf(ErrUnknownPeer, "peer %d", id)
	}
	return p, nil
}

func (pm *peerManager) validIndex(pieceIndex int) error {
	if pieceIndex < 0 || pieceIndex >= pm.total {
		return errors.Wrapf(wire.ErrInvalidPieceIndex, "piece %d of %d", pieceIndex, pm.total)
	}
	return nil
}

func (pm *peerManager) AddPeer(id int, w wire.Wire) bool {
	pm.Lock()
	defer pm.Unlock()

	if id == pm.localID {
		pm.log.Warnf("Refusing to register own id %d as a remote peer.", id)
		return false
	}
	if _, ok := pm.peers[id]; ok {
		pm.log.Infof("Peer %d already exists.", id)
		return false
	}
	state := Connecting
	if w != nil {
		state = HandshakeDone
	}
	pm.peers[id] = &peerState{
		wire:           w,
		state:          state,
		bitfield:       piece.NewBitfield(pm.total),
		choked:         true,
		chokedByRemote: true,
	}
	pm.log.Debugf("Added Peer %d.", id)
	return true
}

func (pm *peerManager) RemovePeer(id int) {
	pm.Lock()
	defer pm.Unlock()

	if _, ok := pm.peers[id]; ok {
		delete(pm.peers, id)
		pm.log.Debugf("Removed Peer %d.", id)
	}
}

func (pm *peerManager) SetState(id int, state State) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	p.state = state
	return nil
}

func (pm *peerManager) State(id int) (State, bool) {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	if !ok {
		return Closed, false
	}
	return p.state, true
}

func (pm *peerManager) SetRemoteHasPiece(id int, pieceIndex int) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	if err := pm.validIndex(pieceIndex); err != nil {
		pm.log.Warnf("Invalid piece index %d from Peer %d.", pieceIndex, id)
		return err
	}
	p.bitfield.Set(pieceIndex)
	return nil
}

// SetRemoteBitfield replaces the peer's advertised pieces. The bitfield is
// copied so the caller keeps no alias into registry state.
func (pm *peerManager) SetRemoteBitfield(id int, bitfield *piece.Bitfield) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	if bitfield.Len() != pm.total {
		return errors.Wrapf(wire.ErrInvalidPayload, "bitfield of %d pieces, want %d", bitfield.Len(), pm.total)
	}
	p.bitfield = bitfield.Clone()
	return nil
}

func (pm *peerManager) SetChoked(id int, choked bool) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	p.choked = choked
	return nil
}

func (pm *peerManager) SetRemoteInterested(id int, interested bool) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	p.remoteInterested = interested
	return nil
}

func (pm *peerManager) SetChokedByRemote(id int, choked bool) error {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return err
	}
	p.chokedByRemote = choked
	return nil
}

// UpdateInterest recomputes whether local wants anything from the peer and
// records it. changed tells the caller an Interested or NotInterested is due;
// it is always true on the first evaluation.
func (pm *peerManager) UpdateInterest(id int) (bool, bool, error) {
	pm.Lock()
	defer pm.Unlock()

	p, err := pm.lookup(id)
	if err != nil {
		return false, false, err
	}
	interested := pm.local.Lacks(p.bitfield)
	changed := !p.interestSent || interested != p.interested
	p.interested = interested
	p.interestSent = true
	return interested, changed, nil
}

func (pm *peerManager) IsChoked(id int) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	return !ok || p.choked
}

func (pm *peerManager) IsChokedByRemote(id int) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	return !ok || p.chokedByRemote
}

func (pm *peerManager) IsRemoteInterested(id int) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	return ok && p.remoteInterested
}

func (pm *peerManager) Interesting(id int) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	return ok && pm.local.Lacks(p.bitfield)
}

func (pm *peerManager) CanRequest(id int, pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	p, ok := pm.peers[id]
	if !ok {
		return false
	}
	return !pm.local.Has(pieceIndex) && p.bitfield.Has(pieceIndex) && !p.chokedByRemote
}

// MarkLocalDownloaded records a held piece. It reports false when the piece
// was already held. The last piece to arrive closes Done.
func (pm *peerManager) MarkLocalDownloaded(pieceIndex int, source int) (bool, error) {
	pm.Lock()
	defer pm.Unlock()

	if err := pm.validIndex(pieceIndex); err != nil {
		return false, err
	}
	if pm.downloaded.Contains(pieceIndex) {
		return false, nil
	}
	pm.local.Set(pieceIndex)
	pm.downloaded.Add(pieceIndex)
	count := pm.downloaded.Cardinality()
	if source == NoPeer {
		pm.log.Infof("Peer %d has the piece %d. Now the number of pieces it has is %d.", pm.localID, pieceIndex, count)
	} else {
		pm.log.Infof("Peer %d has downloaded the piece %d from %d. Now the number of pieces it has is %d.", pm.localID, pieceIndex, source, count)
	}

	select {
	case pm.progress <- pieceIndex:
	default:
	}
	if count == pm.total {
		pm.finish()
	}
	return true, nil
}

func (pm *peerManager) finish() {
	pm.doneOnce.Do(func() {
		close(pm.done)
	})
}

func (pm *peerManager) HasPiece(pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.local.Has(pieceIndex)
}

func (pm *peerManager) Downloaded() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.downloaded.Cardinality()
}

func (pm *peerManager) Completed() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.downloaded.Cardinality() == pm.total
}

func (pm *peerManager) SnapshotLocalBitfield() *piece.Bitfield {
	pm.Lock()
	defer pm.Unlock()

	return pm.local.Clone()
}

func (pm *peerManager) PeersHolding(pieceIndex int) mapset.Set {
	pm.Lock()
	defer pm.Unlock()

	holders := mapset.NewSet()
	for id, p := range pm.peers {
		if p.bitfield.Has(pieceIndex) {
			holders.Add(id)
		}
	}
	return holders
}

// ChokedPeers lists established peers local is choking, in id order.
func (pm *peerManager) ChokedPeers() []int {
	pm.Lock()
	defer pm.Unlock()

	choked := []int{}
	for id, p := range pm.peers {
		if id != pm.localID && p.choked && p.state == Established && p.wire != nil {
			choked = append(choked, id)
		}
	}
	sort.Ints(choked)
	return choked
}

// Wires snapshots the transports of established peers, skipping ids in
// exclude (may be nil). A session becomes established only after its bitfield
// went out, so nothing sent through these transports can precede it.
func (pm *peerManager) Wires(exclude mapset.Set) map[int]wire.Wire {
	pm.Lock()
	defer pm.Unlock()

	wires := make(map[int]wire.Wire)
	for id, p := range pm.peers {
		if p.wire == nil || p.state != Established {
			continue
		}
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		wires[id] = p.wire
	}
	return wires
}

// AnnounceAll sends Have for every held piece to every connected peer.
func (pm *peerManager) AnnounceAll() {
	held := pm.SnapshotLocalBitfield()
	wires := pm.Wires(nil)
	announced := 0
	for id, w := range wires {
		for i := 0; i < held.Len(); i++ {
			if !held.Has(i) {
				continue
			}
			if err := w.SendHave(i); err != nil {
				pm.log.WithError(err).Warnf("Announcing pieces to Peer %d failed.", id)
				break
			}
		}
		announced++
	}
	pm.log.Infof("Announced %d pieces to %d peers.", held.Count(), announced)
}

// BroadcastHave sends Have(pieceIndex) to every live peer except from.
// Transports are snapshotted first so no send happens under the registry lock.
func (pm *peerManager) BroadcastHave(pieceIndex int, from int) {
	for id, w := range pm.Wires(mapset.NewSet(from)) {
		if err := w.SendHave(pieceIndex); err != nil {
			pm.log.WithError(err).Debugf("Sending have %d to Peer %d failed.", pieceIndex, id)
		}
	}
}

// StopPeers closes every registered transport, established or not.
func (pm *peerManager) StopPeers() {
	pm.Lock()
	wires := make(map[int]wire.Wire)
	for id, p := range pm.peers {
		if p.wire != nil {
			wires[id] = p.wire
		}
	}
	pm.Unlock()

	for id, w := range wires {
		if err := w.Close(); err != nil {
			pm.log.WithError(err).Debugf("Closing Peer %d.", id)
		}
	}
}

func (pm *peerManager) Done() <-chan struct{} {
	return pm.done
}

func (pm *peerManager) Progress() <-chan int {
	return pm.progress
}
