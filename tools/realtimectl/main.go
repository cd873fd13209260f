// Command realtimectl publishes, subscribes, inspects presence and pings a
// realtime service from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	envPrefix  string
	stateDir   string
	logLevel   string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "realtimectl",
		Short:         "Command line client for a realtime service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "client options file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&flags.envPrefix, "env-prefix", "REALTIME", "prefix of environment overrides")
	root.PersistentFlags().StringVar(&flags.stateDir, "state-dir", "", "directory persisting the recovery key between runs")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: trace, debug, info, warn, error, none")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 15*time.Second, "timeout of one-shot commands")

	root.AddCommand(
		newPublishCommand(flags),
		newSubscribeCommand(flags),
		newPresenceCommand(flags),
		newPingCommand(flags),
	)
	return root
}

// connect builds a client from the config file and environment and waits
// for CONNECTED.
func (flags *globalFlags) connect(ctx context.Context) (*realtime.Client, error) {
	options, err := realtime.LoadClientOptions(flags.configFile, flags.envPrefix)
	if err != nil {
		return nil, err
	}
	logger := realtime.NewLogger(realtime.LogConfig{Level: flags.logLevel, Output: zerolog.ConsoleWriter{Out: os.Stderr}})
	options.Logger = &logger
	options.AutoConnect = false
	if flags.stateDir != "" {
		storage, err := realtime.NewFileStorage(flags.stateDir)
		if err != nil {
			return nil, fmt.Errorf("opening state dir: %w", err)
		}
		options.Storage = storage
	}

	client, err := realtime.NewClient(options)
	if err != nil {
		return nil, err
	}
	client.Connect()
	if err := client.Connection().Await(ctx, realtime.ConnectionConnected); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return client, nil
}

// closeClient closes gracefully unless a state dir is set, in which case
// the connection is left to expire so the next run can recover it.
func (flags *globalFlags) closeClient(client *realtime.Client) {
	if flags.stateDir != "" {
		client.SaveRecoveryKey()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	_ = client.CloseAndWait(ctx)
}

func (flags *globalFlags) oneShot(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, flags.timeout)
}

func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
