package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/bountyhub/internal/app"
	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/liveness"
	"github.com/mbd888/bountyhub/internal/progress"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:       "watch scan|validation <id>",
	Short:     "Follow a scan or validation until it finishes",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(progress.KindScan), string(progress.KindValidation)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			final, err := watchJob(ctx, a, cmd.OutOrStdout(), kind, args[1])
			if err != nil {
				return err
			}
			if final == events.StatusFailed || final == events.StatusCanceled || final == events.StatusRejected {
				return fmt.Errorf("%s %s ended %s", kind, args[1], final)
			}
			return nil
		})
	},
}

func parseKind(s string) (progress.Kind, error) {
	switch k := progress.Kind(s); k {
	case progress.KindScan, progress.KindValidation:
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q (want scan or validation)", s)
}

// watchJob prints progress records and status changes for one job until it
// reaches a terminal status. Status comes from the channel when it is up and
// from polling when it is not; the log stream supplies the records.
func watchJob(ctx context.Context, a *app.App, out io.Writer, kind progress.Kind, id string) (events.Status, error) {
	initial, err := a.FetchJob(ctx, kind, id)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(out, formatStatus(initial))
	if initial.Status.Terminal() {
		return initial.Status, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := app.NewTracker(a, string(kind)+":"+id, func(ctx context.Context) (app.JobStatus, error) {
		return a.FetchJob(ctx, kind, id)
	})
	tracker.Push(initial)
	for _, topic := range app.JobTopics(kind) {
		defer liveness.BindChannel(tracker, a.Channel, topic, app.JobDecoder(id))()
	}
	if err := a.Channel.Connect(ctx); err != nil {
		a.Logger.Warn("live updates unavailable, polling", "error", err)
	}
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		_ = tracker.Run(ctx)
	}()
	defer func() {
		cancel()
		<-trackerDone
	}()

	w := a.Progress.Observe(progress.Subject{Kind: kind, ID: id, Status: initial.Status})
	defer w.Close()

	printed := 0
	flush := func() {
		recs := w.Records()
		for _, r := range recs[printed:] {
			fmt.Fprintln(out, formatRecord(r))
		}
		printed = len(recs)
	}

	last := initial
	exhausted := false
	for {
		select {
		case <-ctx.Done():
			return last.Status, ctx.Err()
		case <-w.Updates():
			flush()
			if w.Exhausted() && !exhausted {
				exhausted = true
				fmt.Fprintln(out, "log stream unavailable, following status only")
			}
		case <-w.Done():
			flush()
			if s := w.Status(); s.Terminal() {
				last.Status = s
				fmt.Fprintln(out, formatStatus(last))
				return s, nil
			}
		case <-tracker.Updates():
			js, _, ok := tracker.Value()
			if !ok || js == last {
				continue
			}
			last = js
			fmt.Fprintln(out, formatStatus(js))
			if js.Status.Terminal() {
				flush()
				return js.Status, nil
			}
		}
	}
}
