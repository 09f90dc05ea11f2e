package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cohortnet/quorum/aggregate"
	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/db"
	"github.com/cohortnet/quorum/dispatch"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
	"github.com/cohortnet/quorum/server"
	"github.com/cohortnet/quorum/transport"
)

// ServeCmd starts the orchestrator: database, dispatcher, stale sweeper,
// websocket hub for data sources, and the REST façade.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quorum orchestrator server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.Get()

		conn, err := db.Open(cfg.Database.Path, log)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.Migrate(conn, log); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		store := query.NewStore(conn)
		aggregator := aggregate.New(cfg.Privacy, log)
		hub := transport.NewHub(cfg.Server.AllowedOrigins, log)
		dispatcher := dispatch.New(store, hub, aggregator, cfg.Dispatcher, log)
		hub.SetReplyHandler(dispatcher)

		sweeper := dispatch.NewSweeper(ctx, dispatcher,
			time.Duration(cfg.Dispatcher.SweepIntervalSeconds)*time.Second, log)
		sweeper.Start()
		defer sweeper.Stop()

		srv := server.New(cfg.Server, dispatcher, aggregator, hub, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Infow("Shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		}
	},
}
