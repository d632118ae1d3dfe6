package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/bountyhub/internal/app"
	"github.com/mbd888/bountyhub/internal/settlement"
	"github.com/mbd888/bountyhub/internal/usdc"
	"github.com/mbd888/bountyhub/pkg/x402"
)

var (
	requestData string
	requestYes  bool
	termsMethod string
	termsData   string
)

func init() {
	rootCmd.AddCommand(requestCmd, termsCmd)
	requestCmd.Flags().StringVarP(&requestData, "data", "d", "", "JSON request body, or @file to read it from a file")
	requestCmd.Flags().BoolVarP(&requestYes, "yes", "y", false, "approve payments without prompting")
	termsCmd.Flags().StringVarP(&termsMethod, "method", "X", "POST", "HTTP method")
	termsCmd.Flags().StringVarP(&termsData, "data", "d", "", "JSON request body, or @file to read it from a file")
}

var requestCmd = &cobra.Command{
	Use:   "request <METHOD> <path>",
	Short: "Make a request, paying for it when the API asks",
	Example: `  bountyhub request POST /api/scans -d '{"protocolId":"prt_1"}'
  bountyhub request POST /api/validations -d @finding.json --yes`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(requestData)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		var approve app.Approver = func(context.Context, string, x402.PaymentTerms) error { return nil }
		if !requestYes {
			approve = newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr()).approve
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			actionID, res, err := a.Request(ctx, args[0], args[1], body)
			return reportRequest(out, actionID, res, err)
		}, app.WithApprover(approve), app.WithStepObserver(func(u settlement.Update) {
			fmt.Fprintln(cmd.ErrOrStderr(), formatStep(u))
		}))
	},
}

var termsCmd = &cobra.Command{
	Use:   "terms <path>",
	Short: "Show what the API charges for a request without paying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readBody(termsData)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			terms, status, ok, err := a.Terms(ctx, termsMethod, args[0], body)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "No payment required (status %d)\n", status)
				return nil
			}
			return writeTerms(cmd.OutOrStdout(), terms)
		}, app.WithoutTracing())
	},
}

// readBody returns the literal body, or the file contents for @path.
func readBody(data string) ([]byte, error) {
	if data == "" {
		return nil, nil
	}
	if path, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

func formatStep(u settlement.Update) string {
	s := fmt.Sprintf("  %-8s %s", u.Step, u.State)
	if u.TxHash != "" {
		s += " " + u.TxHash
	}
	if u.Message != "" {
		s += ": " + u.Message
	}
	return s
}

// reportRequest prints the outcome of a paid request. Failures after payment
// print the transaction so it can be followed up by hand.
func reportRequest(out io.Writer, actionID string, res *x402.Result, err error) error {
	if err != nil {
		var xe *x402.Error
		switch {
		case errors.Is(err, x402.ErrPaymentDeclined):
			fmt.Fprintln(out, "Payment declined, nothing was paid.")
			return nil
		case errors.As(err, &xe) && xe.ManualFollowUp():
			fmt.Fprintf(out, "Action %s was paid but did not complete.\n", actionID)
			fmt.Fprintf(out, "Transaction: %s\n", xe.TxRef)
			fmt.Fprintln(out, "Do not retry; follow up with the API operator using this transaction.")
		}
		return err
	}

	switch res.Outcome {
	case x402.OutcomeAlreadyCompleted:
		fmt.Fprintln(out, "Already completed with this payment.")
		if res.ResourceID != "" {
			fmt.Fprintf(out, "Resource: %s\n", res.ResourceID)
		}
		if res.Location != "" {
			fmt.Fprintf(out, "Location: %s\n", res.Location)
		}
		return nil
	default:
		fmt.Fprintf(out, "Status: %d\n", res.StatusCode)
	}
	if res.Paid() {
		amt := ""
		if res.Terms != nil {
			amt = usdc.Display(res.Terms.Amount, res.Terms.Asset) + " "
		}
		fmt.Fprintf(out, "Paid %sin %s\n", amt, res.Settlement.TransactionReference)
	}
	if loc := res.Header.Get("Location"); loc != "" {
		fmt.Fprintf(out, "Location: %s\n", loc)
	}
	if len(res.Body) > 0 {
		fmt.Fprintln(out, strings.TrimSpace(string(res.Body)))
	}
	return nil
}
