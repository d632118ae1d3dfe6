package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mbd888/bountyhub/internal/app"
	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/progress"
	"github.com/mbd888/bountyhub/internal/realtime"
	"github.com/mbd888/bountyhub/internal/usdc"
	"github.com/mbd888/bountyhub/pkg/x402"
)

const clock = "15:04:05"

func formatEvent(msg realtime.Message) string {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var detail string
	switch e := msg.Event.(type) {
	case events.ProtocolEvent:
		detail = fields("protocol", e.ProtocolID, "name", e.Name, "owner", e.Owner, "status", e.Status)
	case events.ScanEvent:
		detail = fields("scan", e.ScanID, "protocol", e.ProtocolID, "status", string(e.Status), "step", e.Step,
			"progress", percent(e.Progress), "message", e.Message, "error", e.Error)
	case events.FindingEvent:
		detail = fields("finding", e.FindingID, "scan", e.ScanID, "severity", e.Severity, "title", e.Title)
	case events.ValidationEvent:
		detail = fields("validation", e.ValidationID, "finding", e.FindingID, "status", string(e.Status), "step", e.Step,
			"progress", percent(e.Progress), "message", e.Message)
	case events.PaymentEvent:
		detail = fields("payment", e.PaymentID, "finding", e.FindingID, "amount", amount(e.Amount), "recipient", e.Recipient,
			"tx", e.TxHash, "reason", e.Reason)
	default:
		detail = string(msg.Data)
	}
	return fmt.Sprintf("%s %-22s %s", ts.Local().Format(clock), msg.Topic, detail)
}

// fields renders non-empty key/value pairs as key=value.
func fields(kv ...string) string {
	var parts []string
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		v := kv[i+1]
		if strings.ContainsAny(v, " \t") {
			v = fmt.Sprintf("%q", v)
		}
		parts = append(parts, kv[i]+"="+v)
	}
	return strings.Join(parts, " ")
}

func percent(p int) string {
	if p <= 0 {
		return ""
	}
	return fmt.Sprintf("%d%%", p)
}

func amount(base string) string {
	if base == "" {
		return ""
	}
	return usdc.Display(base, usdc.Symbol)
}

func formatRecord(r progress.Record) string {
	return fmt.Sprintf("%s [%-7s] %s", r.Timestamp.Local().Format(clock), r.Level, r.Message)
}

func formatStatus(js app.JobStatus) string {
	s := fmt.Sprintf("%s: %s", js.ID, js.Status)
	if js.Step != "" {
		s += " (" + js.Step + ")"
	}
	if js.Progress > 0 {
		s += fmt.Sprintf(" %d%%", js.Progress)
	}
	return s
}

func writeTerms(w io.Writer, t x402.PaymentTerms) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	chain := t.Chain
	if t.ChainName != "" {
		chain = fmt.Sprintf("%s (%s)", t.ChainName, t.Chain)
	}
	rows := [][2]string{
		{"Amount", usdc.Display(t.Amount, t.Asset)},
		{"Chain", chain},
		{"Recipient", t.Recipient},
		{"Spender", t.Spender},
		{"Scheme", t.Scheme},
		{"Resource", t.Resource},
		{"Memo", t.Memo},
		{"Source", string(t.Source)},
	}
	if !t.ExpiresAt.IsZero() {
		rows = append(rows, [2]string{"Expires", t.ExpiresAt.Local().Format(time.RFC3339)})
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

// prompter asks on out and reads the answer from in.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// approve shows the terms and waits for y/yes. Anything else, including
// end of input, declines.
func (p *prompter) approve(ctx context.Context, actionID string, t x402.PaymentTerms) error {
	fmt.Fprintf(p.out, "Payment required for action %s\n", actionID)
	if err := writeTerms(p.out, t); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "Pay %s? [y/N] ", usdc.Display(t.Amount, t.Asset))

	answer := make(chan string, 1)
	go func() {
		line, _ := p.in.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return ctx.Err()
	case a := <-answer:
		if a == "y" || a == "yes" {
			return nil
		}
		return x402.ErrPaymentDeclined
	}
}
