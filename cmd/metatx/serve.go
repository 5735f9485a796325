package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	relayhttp "github.com/mintrelay/metatx/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fee-sponsoring relay service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		chain, err := dialChain(ctx)
		if err != nil {
			return err
		}
		defer chain.Close()

		sponsor, err := newSponsor(chain)
		if err != nil {
			return err
		}

		server, err := relayhttp.NewRelayServer(relayhttp.RelayServerConfig{
			Domain:        cfg.DomainDescriptor(),
			Counter:             chain.reader,
			Transport:           sponsor,
			Receipts:            chain.reader,
			ReceiptPollInterval: cfg.PollInterval(),
			MaxGasCeiling:       cfg.Relay.MaxGasCeiling,
			RateLimit:           cfg.Relay.RateLimit,
			Burst:               cfg.Relay.Burst,
			Logger:              &log.Logger,
		})
		if err != nil {
			return err
		}
		defer server.Close()

		gin.SetMode(gin.ReleaseMode)
		srv := &http.Server{
			Addr:              cfg.Relay.Listen,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errc := make(chan error, 1)
		go func() {
			log.Info().
				Str("listen", cfg.Relay.Listen).
				Str("forwarder", cfg.Domain.VerifyingContract).
				Str("sponsor", sponsor.Address().Hex()).
				Msg("relay listening")
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
