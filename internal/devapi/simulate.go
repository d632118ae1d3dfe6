package devapi

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/idgen"
)

// Publisher fans domain events out to websocket clients.
type Publisher interface {
	PublishEvent(e events.Event)
}

// step is one stage of a simulated job.
type step struct {
	name     string
	status   events.Status
	progress int
	message  string
}

var scanSteps = []step{
	{"queued", events.StatusQueued, 0, "Scan queued"},
	{"fetch", events.StatusRunning, 20, "Fetching contract sources"},
	{"static", events.StatusRunning, 45, "Running static analysis"},
	{"fuzz", events.StatusRunning, 75, "Fuzzing external entry points"},
	{"report", events.StatusRunning, 95, "Writing report"},
}

var validationSteps = []step{
	{"queued", events.StatusQueued, 0, "Validation queued"},
	{"reproduce", events.StatusValidating, 30, "Reproducing finding on a fork"},
	{"impact", events.StatusValidating, 70, "Assessing impact"},
}

// failMarker in a scan target makes the simulated scan fail.
const failMarker = "fail"

// Simulator drives jobs through their steps, writing progress lines to the
// store and events to the publisher.
type Simulator struct {
	store    *Store
	pub      Publisher
	interval time.Duration
	bounty   string
	logger   *slog.Logger

	wg sync.WaitGroup
}

// Start runs job in the background until it is terminal or ctx is done.
func (s *Simulator) Start(ctx context.Context, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		switch job.Kind {
		case KindValidation:
			err = s.runValidation(ctx, job)
		default:
			err = s.runScan(ctx, job)
		}
		if err != nil {
			s.advance(job, events.StatusCanceled, "canceled", 0, "warn", "Job canceled: server shutting down")
			s.logger.Debug("job stopped", "job", job.ID, "error", err)
		}
	}()
}

// Wait blocks until every started job has returned.
func (s *Simulator) Wait() { s.wg.Wait() }

func (s *Simulator) runScan(ctx context.Context, job Job) error {
	s.pub.PublishEvent(events.ScanEvent{
		Kind: events.ScanStarted, ScanID: job.ID, ProtocolID: job.Target, Status: events.StatusPending,
	})
	fail := strings.Contains(strings.ToLower(job.Target), failMarker)

	for i, st := range scanSteps {
		if err := s.sleep(ctx); err != nil {
			return err
		}
		if fail && i == 2 {
			s.advance(job, events.StatusFailed, st.name, st.progress, "error", "Static analysis crashed")
			s.pub.PublishEvent(events.ScanEvent{
				Kind: events.ScanFailed, ScanID: job.ID, ProtocolID: job.Target,
				Status: events.StatusFailed, Step: st.name, Error: "static analysis crashed",
			})
			return nil
		}
		s.advance(job, st.status, st.name, st.progress, "info", st.message)
		s.pub.PublishEvent(events.ScanEvent{
			Kind: events.ScanProgress, ScanID: job.ID, ProtocolID: job.Target,
			Status: st.status, Step: st.name, Progress: st.progress, Message: st.message,
		})
		if st.name == "fuzz" {
			s.pub.PublishEvent(events.FindingEvent{
				Kind: events.VulnerabilityFound, FindingID: idgen.WithPrefix("fnd_"),
				ScanID: job.ID, ProtocolID: job.Target, Severity: "high", Title: "Reentrancy in withdraw()",
			})
		}
	}

	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.advance(job, events.StatusSucceeded, "done", 100, "success", "Scan complete: 1 finding")
	s.pub.PublishEvent(events.ScanEvent{
		Kind: events.ScanCompleted, ScanID: job.ID, ProtocolID: job.Target,
		Status: events.StatusSucceeded, Progress: 100,
	})
	return nil
}

func (s *Simulator) runValidation(ctx context.Context, job Job) error {
	s.pub.PublishEvent(events.ValidationEvent{
		Kind: events.ValidationStarted, ValidationID: job.ID, FindingID: job.Target, Status: events.StatusPending,
	})
	for _, st := range validationSteps {
		if err := s.sleep(ctx); err != nil {
			return err
		}
		s.advance(job, st.status, st.name, st.progress, "info", st.message)
		s.pub.PublishEvent(events.ValidationEvent{
			Kind: events.ValidationProgress, ValidationID: job.ID, FindingID: job.Target,
			Status: st.status, Step: st.name, Progress: st.progress, Message: st.message,
		})
	}

	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.advance(job, events.StatusValidated, "done", 100, "success", "Finding validated")
	s.pub.PublishEvent(events.ValidationEvent{
		Kind: events.ValidationCompleted, ValidationID: job.ID, FindingID: job.Target,
		Status: events.StatusValidated, Progress: 100,
	})

	// A validated finding releases its bounty.
	paymentID := idgen.WithPrefix("pay_")
	s.pub.PublishEvent(events.PaymentEvent{
		Kind: events.PaymentPending, PaymentID: paymentID, FindingID: job.Target,
		Amount: s.bounty, Recipient: job.Payer,
	})
	s.pub.PublishEvent(events.PaymentEvent{
		Kind: events.PaymentReleased, PaymentID: paymentID, FindingID: job.Target,
		Amount: s.bounty, Recipient: job.Payer, TxHash: idgen.Nonce(),
	})
	return nil
}

func (s *Simulator) advance(job Job, status events.Status, step string, progress int, level, msg string) {
	if _, ok := s.store.Advance(job.ID, status, step, progress, level, msg); ok {
		s.logger.Debug("job advanced", "job", job.ID, "status", status, "step", step)
	}
}

func (s *Simulator) sleep(ctx context.Context) error {
	t := time.NewTimer(s.interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
