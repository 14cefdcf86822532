package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/doctalk/internal/client"
	"github.com/lexiqai/doctalk/internal/config"
	"github.com/lexiqai/doctalk/internal/device"
	"github.com/lexiqai/doctalk/internal/docstore"
	"github.com/lexiqai/doctalk/internal/ingestion"
	"github.com/lexiqai/doctalk/internal/observability"
)

// run wires the client to local devices and serves the console until
// the user quits or the process is interrupted.
func run(ctx context.Context, cfg *config.Config, opts *options, in io.Reader, out io.Writer) error {
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("service_url", cfg.ServiceURL).
		Str("log_level", cfg.LogLevel).
		Bool("docstore", cfg.DocStorePath != "").
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("doctalk starting")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := client.Deps{
		Microphone: device.NewMicrophone(cfg.FFmpegPath),
		Output:     device.NewSpeakerOpener(cfg.FFplayPath, cfg.PlaybackQueueSeconds),
	}

	var store *docstore.SQLiteStore
	if cfg.DocStorePath != "" {
		var err error
		store, err = docstore.Open(ctx, cfg.DocStorePath)
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		defer store.Close()
		deps.Store = store
	}

	c := client.New(cfg, deps)

	presented := make(chan struct{})
	go func() {
		defer close(presented)
		presentEvents(c.Events(), out)
	}()

	if cfg.MetricsEnabled {
		var pinger storePinger
		if store != nil {
			pinger = store
		}
		srv := startOpsServer(cfg.MetricsAddr, newOpsMux(c, pinger))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("Ops server shutdown")
			}
		}()
	}

	if err := c.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial connect failed, retrying in background")
	}

	if cfg.WatchDir != "" {
		w, err := ingestion.NewWatcher(cfg.WatchDir, clientUploader{c}, ingestion.WatcherOptions{
			OCR: opts.ocr,
			OnError: func(name string, err error) {
				fmt.Fprintf(out, "! not uploading %s: %v\n", name, err)
			},
		})
		if err != nil {
			logger.Warn().Err(err).Str("dir", cfg.WatchDir).Msg("Folder watch disabled")
		} else {
			go w.Run(ctx)
		}
	}

	con := newConsole(c, out, opts.ocr)
	err := con.run(ctx, in)

	c.Close()
	<-presented
	logger.Info().Msg("doctalk exited")
	return err
}

// clientUploader routes watcher uploads through the client so outcomes
// are reported as events.
type clientUploader struct {
	c *client.Client
}

func (u clientUploader) Upload(ctx context.Context, req ingestion.UploadRequest, _ ingestion.Callback) error {
	return u.c.Upload(ctx, req)
}
