// Command fakerealtime runs the in-process realtime test service standalone
// so clients in other processes can be exercised against it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Thejuampi/realtime-client-go/realtime"
	"github.com/Thejuampi/realtime-client-go/realtime/realtimetest"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serverFlags struct {
	addr         string
	logLevel     string
	publishRate  float64
	publishBurst int
	idle         time.Duration
	stateTTL     time.Duration
	maxMessage   int
}

func newRootCommand() *cobra.Command {
	flags := serverFlags{}
	command := &cobra.Command{
		Use:   "fakerealtime",
		Short: "Run a deterministic realtime service for client testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, flags)
		},
	}
	command.Flags().StringVar(&flags.addr, "addr", "127.0.0.1:19100", "listen address")
	command.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error, none")
	command.Flags().Float64Var(&flags.publishRate, "publish-rate", 0, "per-connection publishes per second (0 = unlimited)")
	command.Flags().IntVar(&flags.publishBurst, "publish-burst", 10, "per-connection publish burst")
	command.Flags().DurationVar(&flags.idle, "max-idle-interval", 15*time.Second, "maxIdleInterval announced to clients")
	command.Flags().DurationVar(&flags.stateTTL, "connection-state-ttl", 2*time.Minute, "how long sessions stay resumable")
	command.Flags().IntVar(&flags.maxMessage, "max-message-size", 65536, "maxMessageSize announced to clients")
	return command
}

func run(ctx context.Context, flags serverFlags) error {
	logger := realtime.NewLogger(realtime.LogConfig{Level: flags.logLevel, Output: os.Stderr})

	options := realtimetest.DefaultOptions()
	options.Logger = logger
	options.MaxIdleInterval = flags.idle
	options.ConnectionStateTTL = flags.stateTTL
	options.MaxMessageSize = flags.maxMessage
	options.PublishBurst = flags.publishBurst
	if flags.publishRate > 0 {
		options.PublishRate = rate.Limit(flags.publishRate)
	}
	server := realtimetest.NewUnstartedServer(options)

	listener, err := net.Listen("tcp", flags.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", flags.addr, err)
	}
	logger.Info().Str("addr", listener.Addr().String()).Msg("fakerealtime listening")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := server.Serve(listener)
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		server.Close()
		return listener.Close()
	})
	return group.Wait()
}
