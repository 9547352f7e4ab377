package download

import (
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/config"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/logging"

	"github.com/andres-erbsen/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return logrus.NewEntry(logger)
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Common: config.Common{
			OptimisticUnchokingInterval: 15,
			FileName:                    "data.bin",
			FileSize:                    2500,
			PieceSize:                   1000,
			DialTimeout:                 2,
		},
		Peers: []config.PeerInfo{
			{ID: 1001, Host: "127.0.0.1", Port: freePort(t), HasFile: true},
			{ID: 1002, Host: "127.0.0.1", Port: freePort(t)},
		},
	}
}

func newTestDownload(cfg *config.Config, dir string, id int) Download {
	p, _ := cfg.Lookup(id)
	return NewDownload(Options{
		LocalID:    id,
		Config:     cfg,
		BaseDir:    dir,
		ListenAddr: p.Addr(),
		Log:        testLogger(),
		Clock:      clock.NewMock(),
	})
}

func TestStartUnknownPeer(t *testing.T) {
	d := newTestDownload(testConfig(t), t.TempDir(), 1009)
	assert.Error(t, d.Start(context.Background()))
	d.Stop()
}

func TestStartSeedWithoutFile(t *testing.T) {
	d := newTestDownload(testConfig(t), t.TempDir(), 1001)
	assert.Error(t, d.Start(context.Background()))
}

func TestSeedAndLeecher(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()
	data := make([]byte, cfg.Common.FileSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	seedDir := filepath.Join(dir, logging.Dir(1001))
	require.NoError(t, os.MkdirAll(seedDir, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(seedDir, "data.bin"), data, 0644))

	seed := newTestDownload(cfg, dir, 1001)
	require.NoError(t, seed.Start(context.Background()))
	defer seed.Stop()
	assert.True(t, seed.Seeding())
	assert.Equal(t, 3, seed.TotalPieces())
	assert.Equal(t, cfg.Peers[0].Port, seed.Port())

	leecher := newTestDownload(cfg, dir, 1002)
	require.NoError(t, leecher.Start(context.Background()))
	defer leecher.Stop()

	select {
	case <-leecher.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("leecher holds %d of 3 pieces", leecher.Downloaded())
	}
	got, err := ioutil.ReadFile(filepath.Join(dir, logging.Dir(1002), "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Contains(t, leecher.Summary(), "Peer 1001")
}
