package peer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/piece"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/stats"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/storage"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	REQUEST_INTERVAL = 2 * time.Second
)

// Swarm holds the collaborators shared by every session of the local peer.
type Swarm struct {
	LocalID  int
	PeerMgr  PeerManager
	PieceMgr piece.PieceManager
	Storage  storage.Storage
	Stats    stats.Stats
	Log      *logrus.Entry
}

// Handle takes over a transport whose handshake completed. A second
// transport for an already registered peer is closed, as is any transport
// handed over after ctx ended.
func (s *Swarm) Handle(ctx context.Context, id int, w wire.Wire) {
	if ctx.Err() != nil || !s.PeerMgr.AddPeer(id, w) {
		w.Close()
		return
	}
	p := NewPeer(id, w, s)
	go p.Start(ctx)
}

// refreshInterest re-evaluates local interest in a peer and tells it when
// that changed.
func (s *Swarm) refreshInterest(id int, w wire.Wire) error {
	interested, changed, err := s.PeerMgr.UpdateInterest(id)
	if err != nil || !changed {
		return nil
	}
	if interested {
		return w.SendInterested()
	}
	return w.SendNotInterested()
}

type Peer interface {
	Start(ctx context.Context)
	Stop(err error)
	ID() int
}

type peer struct {
	id       int
	wire     wire.Wire
	swarm    *Swarm
	peerMgr  PeerManager
	pieceMgr piece.PieceManager
	storage  storage.Storage
	stats    stats.Stats
	log      *logrus.Entry
	wake     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewPeer(id int, w wire.Wire, swarm *Swarm) *peer {
	return &peer{
		id:       id,
		wire:     w,
		swarm:    swarm,
		peerMgr:  swarm.PeerMgr,
		pieceMgr: swarm.PieceMgr,
		storage:  swarm.Storage,
		stats:    swarm.Stats,
		log: swarm.Log.WithFields(logrus.Fields{
			"remote":  id,
			"session": uuid.New().String(),
		}),
		wake: make(chan struct{}, 1),
	}
}

func (p *peer) ID() int {
	return p.id
}

func (p *peer) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		p.Stop(nil)
	}()

	sent := p.peerMgr.SnapshotLocalBitfield()
	err := p.wire.SendBitfield(sent.Bytes())
	if err != nil {
		p.Stop(err)
		return
	}

	first, err := p.wire.ReadMessage()
	if err != nil {
		p.Stop(err)
		return
	}
	var early *wire.Message
	if first.Type == wire.BITFIELD {
		if err := p.onBitfield(first); err != nil {
			p.Stop(err)
			return
		}
	} else {
		p.log.Infof("Peer %d sent no bitfield, assuming it holds no pieces.", p.id)
		early = &first
	}

	p.peerMgr.SetState(p.id, Established)
	if err := p.announceSince(sent); err != nil {
		p.Stop(err)
		return
	}
	if err := p.swarm.refreshInterest(p.id, p.wire); err != nil {
		p.Stop(err)
		return
	}
	go p.requestLoop(ctx)

	if early != nil {
		if err := p.dispatch(*early); err != nil {
			p.Stop(err)
			return
		}
	}
	for {
		msg, err := p.wire.ReadMessage()
		if err != nil {
			p.Stop(err)
			return
		}
		if err := p.dispatch(msg); err != nil {
			p.Stop(err)
			return
		}
	}
}

// Stop tears the session down once. A nil or io.EOF err is a normal close.
func (p *peer) Stop(err error) {
	p.stopOnce.Do(func() {
		switch {
		case err == nil || err == io.EOF:
			p.log.Infof("Connection with Peer %d closed.", p.id)
		default:
			p.log.WithError(err).Warnf("Connection with Peer %d lost.", p.id)
		}
		p.peerMgr.SetState(p.id, Closed)
		p.wire.Close()
		p.peerMgr.RemovePeer(p.id)
		p.pieceMgr.PeerStopped(p.id)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// announceSince sends Have for pieces stored after sent was snapshotted.
// Broadcasts skip a session until it is established, so those pieces would
// otherwise never reach this peer.
func (p *peer) announceSince(sent *piece.Bitfield) error {
	held := p.peerMgr.SnapshotLocalBitfield()
	for i := 0; i < held.Len(); i++ {
		if held.Has(i) && !sent.Has(i) {
			if err := p.wire.SendHave(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// requestLoop asks the peer for eligible pieces whenever an Unchoke, a new
// advertisement or a piece arrives, and every REQUEST_INTERVAL otherwise.
func (p *peer) requestLoop(ctx context.Context) {
	ticker := time.NewTicker(REQUEST_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
		if p.peerMgr.IsChokedByRemote(p.id) {
			continue
		}
		n, err := p.pieceMgr.SendPieceRequests(ctx, p.id, p.wire)
		if err != nil {
			if ctx.Err() == nil {
				p.Stop(err)
			}
			return
		}
		if n > 0 {
			p.log.Debugf("Requested %d pieces from Peer %d.", n, p.id)
		}
	}
}

// dispatch handles one frame. A returned error ends the session.
func (p *peer) dispatch(msg wire.Message) error {
	p.log.Debugf("Received %s from Peer %d.", msg.Type, p.id)

	switch msg.Type {
	case wire.CHOKE:
		p.log.Infof("Peer %d is choked by %d.", p.swarm.LocalID, p.id)
		p.peerMgr.SetChokedByRemote(p.id, true)
		p.pieceMgr.PeerChoked(p.id)

	case wire.UNCHOKE:
		p.log.Infof("Peer %d is unchoked by %d.", p.swarm.LocalID, p.id)
		p.peerMgr.SetChokedByRemote(p.id, false)
		p.signal()

	case wire.INTERESTED:
		p.log.Infof("Peer %d received the 'interested' message from %d.", p.swarm.LocalID, p.id)
		p.peerMgr.SetRemoteInterested(p.id, true)
		// mark before sending so a Request racing the Unchoke is served
		p.peerMgr.SetChoked(p.id, false)
		return p.wire.SendUnchoke()

	case wire.NOT_INTERESTED:
		p.log.Infof("Peer %d received the 'not interested' message from %d.", p.swarm.LocalID, p.id)
		p.peerMgr.SetRemoteInterested(p.id, false)
		p.peerMgr.SetChoked(p.id, true)
		return p.wire.SendChoke()

	case wire.HAVE:
		pieceIndex, err := msg.PieceIndex()
		if err != nil {
			return err
		}
		p.log.Infof("Peer %d received the 'have' message from %d for the piece %d.", p.swarm.LocalID, p.id, pieceIndex)
		if err := p.peerMgr.SetRemoteHasPiece(p.id, pieceIndex); err != nil {
			return nil
		}
		if err := p.swarm.refreshInterest(p.id, p.wire); err != nil {
			return err
		}
		p.signal()

	case wire.BITFIELD:
		return p.onBitfield(msg)

	case wire.REQUEST:
		pieceIndex, err := msg.PieceIndex()
		if err != nil {
			return err
		}
		p.onRequest(pieceIndex)

	case wire.PIECE:
		pieceIndex, data, err := msg.PieceData()
		if err != nil {
			return err
		}
		p.onPiece(pieceIndex, data)
	}
	return nil
}

func (p *peer) onBitfield(msg wire.Message) error {
	total := p.peerMgr.TotalPieces()
	if len(msg.Payload) != total {
		return errors.Wrapf(wire.ErrInvalidPayload, "bitfield of %d bytes from Peer %d, want %d", len(msg.Payload), p.id, total)
	}
	bitfield := piece.FromBytes(msg.Payload, total)
	if err := p.peerMgr.SetRemoteBitfield(p.id, bitfield); err != nil {
		return err
	}
	p.log.Infof("Peer %d holds %d of %d pieces.", p.id, bitfield.Count(), total)
	if err := p.swarm.refreshInterest(p.id, p.wire); err != nil {
		return err
	}
	p.signal()
	return nil
}

func (p *peer) onRequest(pieceIndex int) {
	if pieceIndex < 0 || pieceIndex >= p.peerMgr.TotalPieces() {
		p.log.Warnf("Ignoring request for invalid piece %d from Peer %d.", pieceIndex, p.id)
		return
	}
	if p.peerMgr.IsChoked(p.id) {
		p.log.Infof("Refusing request for piece %d from choked Peer %d.", pieceIndex, p.id)
		return
	}
	data, ok := p.storage.GetPiece(pieceIndex)
	if !ok {
		p.log.WithError(storage.ErrStorageMiss).Warnf("Peer %d requested piece %d which is not held.", p.id, pieceIndex)
		return
	}
	// served off the read loop so two peers writing large pieces to each other
	// never block both readers
	go func() {
		if err := p.wire.SendPiece(pieceIndex, data); err != nil {
			p.Stop(err)
			return
		}
		p.stats.UpdatePeer(p.id, len(data), 0)
		p.log.Debugf("Sent piece %d to Peer %d.", pieceIndex, p.id)
	}()
}

func (p *peer) onPiece(pieceIndex int, data []byte) {
	if pieceIndex < 0 || pieceIndex >= p.peerMgr.TotalPieces() {
		p.log.Warnf("Ignoring invalid piece %d from Peer %d.", pieceIndex, p.id)
		return
	}
	p.pieceMgr.PieceReceived(p.id, pieceIndex)
	if p.peerMgr.HasPiece(pieceIndex) {
		p.log.Debugf("Already hold piece %d, discarding copy from Peer %d.", pieceIndex, p.id)
		return
	}
	if err := p.storage.SavePiece(pieceIndex, data); err != nil {
		p.log.WithError(err).Warnf("Could not store piece %d from Peer %d.", pieceIndex, p.id)
		return
	}
	added, err := p.peerMgr.MarkLocalDownloaded(pieceIndex, p.id)
	if err != nil || !added {
		return
	}
	p.stats.UpdatePeer(p.id, 0, len(data))
	p.signal()

	go func() {
		p.peerMgr.BroadcastHave(pieceIndex, p.id)
		for id, w := range p.peerMgr.Wires(nil) {
			if err := p.swarm.refreshInterest(id, w); err != nil {
				p.log.WithError(err).Debugf("Updating interest in Peer %d failed.", id)
			}
		}
	}()
}
