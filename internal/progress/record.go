package progress

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
)

// Level of a progress record.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	case "success", "ok":
		return LevelSuccess
	default:
		return LevelInfo
	}
}

// Record is one normalized line of subject progress.
type Record struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// The greeting a stream emits on every open arrives as a "connected" event,
// or as the sentinel "Connected to <kind> log stream" from producers that do
// not name their events.
const (
	bootstrapEvent  = "connected"
	bootstrapPrefix = "Connected to "
	bootstrapSuffix = " log stream"
)

func isBootstrap(f Frame, message string) bool {
	if f.Event == bootstrapEvent {
		return true
	}
	return strings.HasPrefix(message, bootstrapPrefix) && strings.HasSuffix(message, bootstrapSuffix)
}

// flexTime accepts RFC 3339 strings and unix seconds or milliseconds, as a
// number or a numeric string. Anything else decodes to the zero time.
type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}
	s := strings.TrimSpace(string(b))
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = ts
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return nil
	}
	if n >= 1e12 {
		t.Time = time.UnixMilli(int64(n))
		return nil
	}
	sec, frac := math.Modf(n)
	t.Time = time.Unix(int64(sec), int64(frac*1e9))
	return nil
}

// payload is the JSON shape producers send in data lines.
type payload struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp flexTime  `json:"timestamp"`
	Status    string    `json:"status"`
	Step      string    `json:"step"`
}

// parsed is a frame after normalization.
type parsed struct {
	record    Record
	hasRecord bool
	status    events.Status
	bootstrap bool
}

// parseFrame normalizes f. Data that is not a JSON object is taken as a
// plain text message.
func parseFrame(f Frame, now time.Time) parsed {
	var p parsed
	var body payload

	data := strings.TrimSpace(f.Data)
	if strings.HasPrefix(data, "{") && json.Unmarshal([]byte(data), &body) == nil {
		p.record = Record{
			Level:     parseLevel(body.Level),
			Message:   body.Message,
			Timestamp: body.Timestamp.Time,
		}
		if body.Status != "" {
			p.status = events.ParseStatus(body.Status)
		}
		if p.record.Message == "" && body.Step != "" {
			p.record.Message = body.Step
		}
	} else {
		p.record = Record{Level: LevelInfo, Message: f.Data}
	}

	if f.Event == "error" && body.Level == "" {
		p.record.Level = LevelError
	}
	if p.record.Timestamp.IsZero() {
		p.record.Timestamp = now
	}
	p.hasRecord = p.record.Message != ""
	p.bootstrap = isBootstrap(f, p.record.Message)
	return p
}
