package server

import (
	"context"
	"net"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// HANDSHAKE_TIMEOUT bounds the handshake exchange on a new connection.
	HANDSHAKE_TIMEOUT = 10 * time.Second

	ErrSelfConnection = errors.New("connection from own peer id")
	ErrUnexpectedPeer = errors.New("handshake from unexpected peer")
)

// Handler takes ownership of a transport once its handshake succeeded.
type Handler interface {
	Handle(ctx context.Context, id int, w wire.Wire)
}

type Server interface {
	Serve(ctx context.Context) error
	Port() int
}

type server struct {
	localID     int
	port        int
	listener    net.Listener
	handler     Handler
	readTimeout time.Duration
	log         *logrus.Entry
}

var (
	listen = net.Listen
)

func NewServer(
	addr string,
	localID int,
	handler Handler,
	readTimeout time.Duration,
	log *logrus.Entry) (Server, error) {

	listener, err := listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	sv := &server{
		localID:     localID,
		listener:    listener,
		handler:     handler,
		readTimeout: readTimeout,
		log:         log,
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = tcpAddr.Port
	}
	return sv, nil
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and returns nil. Sessions already handed over keep running.
func (sv *server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sv.listener.Close()
	}()
	sv.log.Infof("Listening for peers on port %d.", sv.port)

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				sv.log.Info("Safely terminating peer listener.")
				return nil
			}
			return errors.Wrap(err, "accepting peer connection")
		}
		go sv.accept(ctx, conn)
	}
}

func (sv *server) accept(ctx context.Context, conn net.Conn) {
	w := wire.NewWire(conn, sv.readTimeout)
	w.SetDeadline(time.Now().Add(HANDSHAKE_TIMEOUT))

	id, err := w.ReadHandshake()
	if err != nil {
		sv.log.WithError(err).Warnf("Rejected connection from %s.", conn.RemoteAddr())
		w.Close()
		return
	}
	if id == sv.localID {
		sv.log.WithError(ErrSelfConnection).Warnf("Rejected connection from %s.", conn.RemoteAddr())
		w.Close()
		return
	}
	if err := w.SendHandshake(sv.localID); err != nil {
		sv.log.WithError(err).Warnf("Handshake with Peer %d failed.", id)
		w.Close()
		return
	}
	w.SetDeadline(time.Time{})
	if ctx.Err() != nil {
		sv.log.Debugf("Dropping Peer %d, shutting down.", id)
		w.Close()
		return
	}

	sv.log.Infof("Peer %d is connected from Peer %d.", sv.localID, id)
	sv.handler.Handle(ctx, id, w)
}

func (sv *server) Port() int {
	return sv.port
}
