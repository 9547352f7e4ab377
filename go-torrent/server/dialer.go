package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/config"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Dialer interface {
	// ConnectAll dials every listed peer concurrently and waits for the attempts.
	ConnectAll(ctx context.Context, peers []config.PeerInfo) (connected int)
	Connect(ctx context.Context, p config.PeerInfo) error
}

var dialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

type dialer struct {
	localID     int
	handler     Handler
	timeout     time.Duration
	readTimeout time.Duration
	log         *logrus.Entry
}

func NewDialer(
	localID int,
	handler Handler,
	timeout time.Duration,
	readTimeout time.Duration,
	log *logrus.Entry) Dialer {

	return &dialer{
		localID:     localID,
		handler:     handler,
		timeout:     timeout,
		readTimeout: readTimeout,
		log:         log,
	}
}

func (d *dialer) ConnectAll(ctx context.Context, peers []config.PeerInfo) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	connected := 0
	for _, p := range peers {
		if p.ID == d.localID {
			continue
		}
		wg.Add(1)
		go func(p config.PeerInfo) {
			defer wg.Done()
			if err := d.Connect(ctx, p); err != nil {
				d.log.WithError(err).Warnf("Could not connect to Peer %d at %s.", p.ID, p.Addr())
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return connected
}

func (d *dialer) Connect(ctx context.Context, p config.PeerInfo) error {
	dialCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := dialContext(dialCtx, "tcp", p.Addr())
	if err != nil {
		return errors.Wrapf(err, "dialing Peer %d", p.ID)
	}
	w := wire.NewWire(conn, d.readTimeout)
	w.SetDeadline(time.Now().Add(HANDSHAKE_TIMEOUT))

	if err := w.SendHandshake(d.localID); err != nil {
		w.Close()
		return err
	}
	id, err := w.ReadHandshake()
	if err != nil {
		w.Close()
		return err
	}
	if id != p.ID {
		w.Close()
		return errors.Wrapf(ErrUnexpectedPeer, "expected %d, got %d", p.ID, id)
	}
	w.SetDeadline(time.Time{})
	if err := ctx.Err(); err != nil {
		w.Close()
		return err
	}

	d.log.Infof("Peer %d makes a connection to Peer %d.", d.localID, id)
	d.handler.Handle(ctx, id, w)
	return nil
}
