package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusrpc/nimbus"
	"github.com/nimbusrpc/nimbus/examples"
	"github.com/nimbusrpc/nimbus/log"
	"github.com/nimbusrpc/nimbus/transport"
)

func newServeCmd() *cobra.Command {
	var gracePeriod time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register the demonstration contracts and serve them until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), gracePeriod)
		},
	}
	cmd.Flags().DurationVar(&gracePeriod, "grace-period", nimbus.DefaultCloseGracePeriod, "time to wait for in-flight calls to finish on shutdown")
	return cmd
}

func runServe(ctx context.Context, gracePeriod time.Duration) error {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck
	logger := log.New(zapLogger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, responderTr := transport.NewInProcessPair(transport.Options{}, logger)

	registry := nimbus.NewRegistry()
	for _, c := range []nimbus.Contract{
		examples.CalcContract(),
		examples.CounterContract(),
		examples.WordsContract(),
		examples.ChatContract(),
	} {
		if err := registry.RegisterContract(c); err != nil {
			return err
		}
	}

	endpoint := nimbus.NewResponderEndpoint(responderTr, registry, logger, prometheus.DefaultRegisterer)
	logger.Info("nimbusd serving", log.Int("methods", len(registry.Methods())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		endpoint.Serve(responderTr.Context())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", log.String("grace_period", gracePeriod.String()))
		if err := endpoint.Close(gracePeriod); err != nil {
			return err
		}
		return responderTr.Close()
	})
	return g.Wait()
}
