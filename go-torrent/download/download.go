package download

import (
	"context"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/config"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/logging"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/peer"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/piece"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/server"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/stats"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/storage"

	"github.com/andres-erbsen/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Download runs one peer process: it serves the pieces it holds and fetches
// the rest from the roster.
type Download interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Progress() <-chan int
	TotalPieces() int
	Downloaded() int
	Seeding() bool
	Port() int
	Summary() string
}

type Options struct {
	LocalID int
	Config  *config.Config
	// BaseDir holds the peer_<id> directory. Empty means the working directory.
	BaseDir string
	// ListenAddr overrides the roster address to listen on.
	ListenAddr string
	Log        *logrus.Entry
	Rand       *rand.Rand
	Clock      clock.Clock
}

type download struct {
	opts     Options
	self     config.PeerInfo
	transfer config.Transfer
	storage  storage.Storage
	peerMgr  peer.PeerManager
	stats    stats.Stats
	server   server.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logrus.Entry
}

func NewDownload(opts Options) Download {
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &download{
		opts:  opts,
		stats: stats.NewStats(),
		log:   opts.Log,
	}
}

// Start prepares storage, begins listening, dials the peers listed before
// this one and schedules optimistic unchoking. Peers listed later dial in.
func (d *download) Start(ctx context.Context) error {
	cfg := d.opts.Config
	self, ok := cfg.Lookup(d.opts.LocalID)
	if !ok {
		return errors.Errorf("peer %d is not listed in %s", d.opts.LocalID, config.PEER_INFO_CONFIG)
	}
	d.self = self
	d.transfer = cfg.Transfer()
	d.log.Infof("Initializing peer process: %d pieces of %d bytes.", d.transfer.TotalPieces, d.transfer.PieceSize)

	dir := filepath.Join(d.opts.BaseDir, logging.Dir(self.ID))
	d.storage = storage.NewRandomAccessStorage(dir, cfg.Common.FileName, d.transfer.FileSize, d.log)
	if err := d.storage.Init(d.transfer.TotalPieces, d.transfer.PieceSize, self.HasFile); err != nil {
		return errors.Wrap(err, "initializing storage")
	}

	d.peerMgr = peer.NewPeerManager(self.ID, d.transfer.TotalPieces, self.HasFile, d.log)
	pieceMgr, err := piece.NewPieceManager(cfg.Common.PieceSelection, d.peerMgr, cfg.RequestPacing(), d.log)
	if err != nil {
		d.storage.Close()
		return err
	}
	swarm := &peer.Swarm{
		LocalID:  self.ID,
		PeerMgr:  d.peerMgr,
		PieceMgr: pieceMgr,
		Storage:  d.storage,
		Stats:    d.stats,
		Log:      d.log,
	}

	listenAddr := d.opts.ListenAddr
	if listenAddr == "" {
		listenAddr = net.JoinHostPort("", strconv.Itoa(self.Port))
	}
	sv, err := server.NewServer(listenAddr, self.ID, swarm, 0, d.log)
	if err != nil {
		d.storage.Close()
		return err
	}
	d.server = sv

	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := sv.Serve(ctx); err != nil {
			d.log.WithError(err).Error("Peer listener stopped.")
		}
	}()

	dialer := server.NewDialer(self.ID, swarm, cfg.DialTimeout(), 0, d.log)
	predecessors := cfg.Predecessors(self.ID)
	connected := dialer.ConnectAll(ctx, predecessors)
	d.log.Infof("Connected to %d of %d earlier peers.", connected, len(predecessors))

	if self.HasFile {
		d.peerMgr.AnnounceAll()
	}

	choke := peer.NewChoke(d.peerMgr, cfg.OptimisticUnchokingInterval(), d.opts.Rand, d.opts.Clock, d.log)
	go func() {
		defer d.wg.Done()
		choke.Start(ctx)
	}()

	d.log.Info("Peer process initialized successfully.")
	return nil
}

// Stop closes the listener and every session, then releases storage.
func (d *download) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.peerMgr.StopPeers()
	if err := d.storage.Close(); err != nil {
		d.log.WithError(err).Warn("Closing storage.")
	}
	d.log.Infof("Peer process exited: %s", d.stats.Summary())
}

func (d *download) Done() <-chan struct{} {
	return d.peerMgr.Done()
}

func (d *download) Progress() <-chan int {
	return d.peerMgr.Progress()
}

func (d *download) TotalPieces() int {
	return d.transfer.TotalPieces
}

func (d *download) Downloaded() int {
	return d.peerMgr.Downloaded()
}

func (d *download) Seeding() bool {
	return d.self.HasFile
}

func (d *download) Port() int {
	return d.server.Port()
}

func (d *download) Summary() string {
	return d.stats.Summary()
}
