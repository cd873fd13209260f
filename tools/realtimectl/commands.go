package main

import (
	"fmt"
	"io"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var count int
	command := &cobra.Command{
		Use:   "publish CHANNEL NAME DATA",
		Short: "Publish a message and wait for its acknowledgement",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := flags.oneShot(cmd.Context())
			defer cancel()
			client, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer flags.closeClient(client)

			channel := client.Channels().Get(args[0])
			results := make([]*realtime.Result, 0, count)
			for index := 0; index < count; index++ {
				results = append(results, channel.PublishAsync(&realtime.Message{Name: args[1], Data: args[2]}))
			}
			for index, result := range results {
				if err := result.Wait(ctx); err != nil {
					return fmt.Errorf("publish %d: %w", index, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d message(s) to %s\n", count, args[0])
			return nil
		},
	}
	command.Flags().IntVar(&count, "count", 1, "number of copies to publish")
	return command
}

func newSubscribeCommand(flags *globalFlags) *cobra.Command {
	var name string
	command := &cobra.Command{
		Use:   "subscribe CHANNEL",
		Short: "Print messages of a channel until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			client, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer flags.closeClient(client)

			out := cmd.OutOrStdout()
			printMessage := func(message *realtime.Message) { writeJSON(out, message) }
			channel := client.Channels().Get(args[0])
			client.Connection().On(func(change realtime.ConnectionStateChange) {
				fmt.Fprintf(cmd.ErrOrStderr(), "connection %s -> %s %v\n", change.Previous, change.Current, change.Reason)
			})
			if name != "" {
				_, err = channel.SubscribeName(ctx, name, printMessage)
			} else {
				_, err = channel.Subscribe(ctx, printMessage)
			}
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	command.Flags().StringVar(&name, "name", "", "only print messages with this name")
	return command
}

func newPresenceCommand(flags *globalFlags) *cobra.Command {
	var enter string
	var watch bool
	command := &cobra.Command{
		Use:   "presence CHANNEL",
		Short: "List the members of a channel, optionally entering first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			client, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer flags.closeClient(client)

			presence := client.Channels().Get(args[0]).Presence()
			if enter != "" {
				if err := presence.Enter(ctx, enter); err != nil {
					return fmt.Errorf("entering presence: %w", err)
				}
			}
			members, err := presence.Get(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, member := range members {
				writeJSON(out, member)
			}
			if !watch {
				return nil
			}
			if _, err := presence.Subscribe(ctx, func(member *realtime.PresenceMessage) { writeJSON(out, member) }); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	command.Flags().StringVar(&enter, "enter", "", "enter the presence set with this data")
	command.Flags().BoolVar(&watch, "watch", false, "keep printing presence events")
	return command
}

func newPingCommand(flags *globalFlags) *cobra.Command {
	var count int
	var interval time.Duration
	command := &cobra.Command{
		Use:   "ping",
		Short: "Measure heartbeat round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := interruptible(cmd.Context())
			defer stop()
			client, err := flags.connect(ctx)
			if err != nil {
				return err
			}
			defer flags.closeClient(client)

			for index := 0; index < count; index++ {
				if index > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(interval):
					}
				}
				pingCtx, cancel := flags.oneShot(ctx)
				rtt, err := client.Ping(pingCtx)
				cancel()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ping %d: %s\n", index+1, rtt)
			}
			return nil
		},
	}
	command.Flags().IntVar(&count, "count", 1, "number of pings")
	command.Flags().DurationVar(&interval, "interval", time.Second, "delay between pings")
	return command
}

func writeJSON(out io.Writer, value interface{}) {
	encoded, err := json.Marshal(value)
	if err != nil {
		fmt.Fprintf(out, "%v\n", value)
		return
	}
	fmt.Fprintln(out, string(encoded))
}
