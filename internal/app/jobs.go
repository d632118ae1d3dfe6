package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/progress"
	"github.com/mbd888/bountyhub/internal/realtime"
	"github.com/mbd888/bountyhub/internal/retry"
)

// JobStatus is the polled or pushed view of a scan or validation.
type JobStatus struct {
	ID       string        `json:"id"`
	Status   events.Status `json:"status"`
	Step     string        `json:"step,omitempty"`
	Progress int           `json:"progress"`
}

// FetchJob reads a job from the API. Client errors are permanent; the
// tracker will not retry them within one poll.
func (a *App) FetchJob(ctx context.Context, kind progress.Kind, id string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL(fmt.Sprintf("/api/%ss/%s", kind, id)), nil)
	if err != nil {
		return JobStatus{}, retry.Permanent(err)
	}
	req.Header = a.header(false)
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return JobStatus{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return JobStatus{}, fmt.Errorf("app: fetch %s %s: status %d", kind, id, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return JobStatus{}, retry.Permanent(fmt.Errorf("app: fetch %s %s: status %d", kind, id, resp.StatusCode))
	}
	var js JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&js); err != nil {
		return JobStatus{}, retry.Permanent(fmt.Errorf("app: decode %s %s: %w", kind, id, err))
	}
	js.Status = events.ParseStatus(string(js.Status))
	return js, nil
}

// JobTopics are the channel topics that carry status for kind.
func JobTopics(kind progress.Kind) []string {
	if kind == progress.KindValidation {
		return []string{
			string(events.ValidationStarted),
			string(events.ValidationProgress),
			string(events.ValidationCompleted),
		}
	}
	return []string{
		string(events.ScanStarted),
		string(events.ScanProgress),
		string(events.ScanCompleted),
		string(events.ScanFailed),
	}
}

// JobDecoder accepts channel messages about job id.
func JobDecoder(id string) func(realtime.Message) (JobStatus, bool) {
	return func(msg realtime.Message) (JobStatus, bool) {
		switch e := msg.Event.(type) {
		case events.ScanEvent:
			if e.ScanID == id {
				return JobStatus{ID: id, Status: statusFor(e.Kind, e.Status), Step: e.Step, Progress: e.Progress}, true
			}
		case events.ValidationEvent:
			if e.ValidationID == id {
				return JobStatus{ID: id, Status: statusFor(e.Kind, e.Status), Step: e.Step, Progress: e.Progress}, true
			}
		}
		return JobStatus{}, false
	}
}

// statusFor fills in the status implied by the event type when the payload
// omits it.
func statusFor(t events.Type, s events.Status) events.Status {
	if s != "" {
		return events.ParseStatus(string(s))
	}
	switch t {
	case events.ScanCompleted:
		return events.StatusSucceeded
	case events.ScanFailed:
		return events.StatusFailed
	case events.ValidationCompleted:
		return events.StatusValidated
	case events.ScanStarted, events.ValidationStarted:
		return events.StatusQueued
	}
	return events.StatusRunning
}
