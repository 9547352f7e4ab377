package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/saipreethi18/P2PFileTransfer/go-torrent/config"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/download"
	"github.com/saipreethi18/P2PFileTransfer/go-torrent/logging"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <peerID>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configDir := flag.String("config", ".", "directory holding Common.cfg and PeerInfo.cfg")
	verbose := flag.Bool("v", false, "log every protocol message")
	quiet := flag.Bool("q", false, "hide the progress bar")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	peerID, err := strconv.Atoi(flag.Arg(0))
	if err != nil || peerID < 0 {
		fmt.Fprintf(os.Stderr, "invalid peer id %q\n", flag.Arg(0))
		os.Exit(2)
	}

	level := log.InfoLevel
	if *verbose {
		level = log.DebugLevel
	}
	fs := afero.NewOsFs()
	logger, logFile, err := logging.New(fs, peerID, level)
	if err != nil {
		log.Fatal(err)
	}
	defer logFile.Close()

	cfg, err := config.Load(fs, *configDir)
	if err != nil {
		logger.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := download.NewDownload(download.Options{
		LocalID: peerID,
		Config:  cfg,
		Log:     logger,
	})
	if err := d.Start(ctx); err != nil {
		logger.Fatal(err)
	}
	defer d.Stop()

	var bar *progressbar.ProgressBar
	if !*quiet && !d.Seeding() {
		bar = progressbar.NewOptions(d.TotalPieces(),
			progressbar.OptionSetDescription(fmt.Sprintf("peer %d", peerID)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	done := d.Done()
	if d.Seeding() {
		done = nil
	}
	for {
		select {
		case <-d.Progress():
			if bar != nil {
				bar.Add(1)
			}
		case <-done:
			done = nil
			if bar != nil {
				bar.Finish()
			}
			logger.Info("Download of complete file is complete.")
			logger.Info(d.Summary())
		case <-ctx.Done():
			logger.Info("Shutting down.")
			return
		}
	}
}
