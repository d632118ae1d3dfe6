package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mbd888/bountyhub/internal/app"
	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/realtime"
)

func init() {
	rootCmd.AddCommand(eventsCmd)
}

var eventsCmd = &cobra.Command{
	Use:   "events [topic...]",
	Short: "Follow the realtime event channel",
	Long:  "Connect to SOCKET_ORIGIN and print domain events. Without topics every known event type is followed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return followEvents(ctx, a.Channel, cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		})
	},
}

// channel is what followEvents needs from realtime.Manager.
type channel interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, h realtime.Handler) (unsubscribe func())
	Disconnect()
}

// followEvents prints events on topics until ctx is done or the channel
// gives up reconnecting. Handlers run on one dispatch goroutine, so writes
// to out and status are not interleaved.
func followEvents(ctx context.Context, ch channel, out, status io.Writer, topics []string) error {
	if len(topics) == 0 {
		for _, t := range events.Types() {
			topics = append(topics, string(t))
		}
	}

	failed := make(chan struct{})
	var failOnce sync.Once
	var unsubs []func()
	for _, topic := range topics {
		unsubs = append(unsubs, ch.Subscribe(topic, func(msg realtime.Message) {
			fmt.Fprintln(out, formatEvent(msg))
		}))
	}
	unsubs = append(unsubs,
		ch.Subscribe(realtime.EventOpen, func(realtime.Message) {
			fmt.Fprintf(status, "connected, following %d topics\n", len(topics))
		}),
		ch.Subscribe(realtime.EventClose, func(msg realtime.Message) {
			if !msg.Intentional {
				fmt.Fprintf(status, "connection lost, reconnecting (attempt %d)\n", msg.Attempt)
			}
		}),
		ch.Subscribe(realtime.EventFailed, func(realtime.Message) { failOnce.Do(func() { close(failed) }) }),
	)
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()
	defer ch.Disconnect()

	if err := ch.Connect(ctx); err != nil {
		if errors.Is(err, realtime.ErrNoURL) {
			return err
		}
		fmt.Fprintf(status, "connect failed, retrying: %v\n", err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-failed:
		return errors.New("event channel gave up reconnecting")
	}
}
