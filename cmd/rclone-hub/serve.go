package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/michaelscutari/rclone-hub/internal/config"
	"github.com/michaelscutari/rclone-hub/internal/driver"
	"github.com/michaelscutari/rclone-hub/internal/scan"
	"github.com/michaelscutari/rclone-hub/internal/server"
	"github.com/michaelscutari/rclone-hub/internal/store"
	"github.com/michaelscutari/rclone-hub/internal/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub HTTP service",
	Long:  `Start the job engine, the scan managers, and the HTTP API.`,
	RunE:  runServe,
}

// backendAdapter narrows *driver.Client to the server's Backend
// interface, loosening the stream method's concrete return type.
type backendAdapter struct {
	*driver.Client
}

func (b backendAdapter) OpenCatStream(remotePath string) (io.ReadCloser, error) {
	return b.Client.OpenCatStream(remotePath)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	st, err := store.Open(cfg.DBPath(), config.DefaultStagingPath())
	if err != nil {
		return err
	}
	defer st.Close()

	client := driver.NewClient(cfg.DriverBinary, cfg.DriverFlags)
	client.Timeout = cfg.DriverTimeout
	client.MaxRetries = cfg.DriverMaxRetries

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := transfer.NewManager(st, client)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	searches := scan.NewSearchManager(client, scan.Options{
		Heartbeat:     cfg.SearchHeartbeat,
		PerDirTimeout: cfg.SearchDirTimeout,
	})
	searches.Start(ctx)
	defer searches.Stop()

	sizes := scan.NewSizeManager(client, scan.Options{
		Heartbeat:     cfg.SizeHeartbeat,
		PerDirTimeout: cfg.SizeDirTimeout,
	})
	sizes.Start(ctx)
	defer sizes.Stop()

	api := server.New(backendAdapter{client}, engine, searches, sizes, st)
	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr()).Info("hub listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
