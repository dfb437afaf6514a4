package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/raceboard/eta-server/engine/admin"
)

var (
	listenAddr      string
	snapshotEvery   time.Duration
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ETA server and its admin HTTP surface until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", ":8090", "admin HTTP surface listen address")
	serveCmd.Flags().DurationVar(&snapshotEvery, "snapshot-interval", 30*time.Second, "interval between stderr snapshot logs (0=disabled)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests during shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() { _ = eng.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{Addr: listenAddr, Handler: admin.NewMux(eng)}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("raceboard-eta: admin surface listening on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)

	var ticker *time.Ticker
	if snapshotEvery > 0 {
		ticker = time.NewTicker(snapshotEvery)
		defer ticker.Stop()
	}
	tick := func() <-chan time.Time {
		if ticker == nil {
			return nil
		}
		return ticker.C
	}

	for {
		select {
		case err := <-serveErr:
			return fmt.Errorf("admin server: %w", err)
		case <-tick():
			logSnapshot(eng.Snapshot())
		case <-sigCh:
			log.Println("signal received; initiating graceful shutdown...")
			go func() {
				<-sigCh
				log.Println("second signal received; forcing exit")
				os.Exit(1)
			}()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
			cancel()
			logSnapshot(eng.Snapshot())
			return nil
		}
	}
}

func logSnapshot(snap interface{}) {
	b, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\n%s\n", time.Now().Format(time.RFC3339), string(b))
}
