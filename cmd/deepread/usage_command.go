package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deepread/deepread/internal/api"
	"github.com/deepread/deepread/internal/usage"
)

const (
	defaultUsageLimit = 20
	usageQueryTimeout = 30 * time.Second
)

func runUsage(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("usage", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", string(formatText), "Output format: text or json")
	fromRaw := flagSet.String("from", "", "Start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "End time (RFC3339 or YYYY-MM-DD)")
	provider := flagSet.String("provider", "", "Provider filter")
	model := flagSet.String("model", "", "Model filter")
	limit := flagSet.Int("limit", defaultUsageLimit, fmt.Sprintf("Recent record count (1-%d)", usage.MaxQueryLimit))

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "usage does not accept positional arguments")
		return 2
	}

	outFormat, err := parseOutputFormat(*format)
	if err != nil {
		fmt.Fprintf(errOut, "usage: %v\n", err)
		return 2
	}
	if *limit <= 0 || *limit > usage.MaxQueryLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", usage.MaxQueryLimit)
		return 2
	}
	from, err := api.ParseTimeBound(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := api.ParseTimeBound(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	store, err := usage.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.Storage.DSN)
	if err != nil {
		if errors.Is(err, usage.ErrStorageDisabled) {
			fmt.Fprintln(errOut, "usage storage is disabled (storage.driver=off)")
			return 1
		}
		fmt.Fprintf(errOut, "failed to open usage storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "warning: failed to close usage storage: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), usageQueryTimeout)
	defer cancel()
	report, err := store.Query(ctx, usage.Filter{
		Provider: strings.TrimSpace(*provider),
		Model:    strings.TrimSpace(*model),
		From:     from,
		To:       to,
		Limit:    *limit,
	})
	if err != nil {
		fmt.Fprintf(errOut, "failed to query usage: %v\n", err)
		return 1
	}

	if err := writeUsageReport(out, outFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write usage report: %v\n", err)
		return 1
	}
	return 0
}

func writeUsageReport(out io.Writer, format outputFormat, report *usage.Report) error {
	if report.Records == nil {
		report.Records = []*usage.Record{}
	}
	if format == formatJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	fmt.Fprintln(out, "DeepRead Usage")
	fmt.Fprintf(out, "Requests: %d\n", report.Summary.Requests)
	fmt.Fprintf(out, "Input tokens: %d\n", report.Summary.InputTokens)
	fmt.Fprintf(out, "Completion tokens: %d\n", report.Summary.CompletionTokens)
	fmt.Fprintf(out, "Estimated cost (USD): %.6f\n", report.Summary.CostUSD)
	if len(report.Records) == 0 {
		fmt.Fprintln(out, "\nNo usage recorded.")
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPROVIDER\tMODEL\tOUTCOME\tINPUT\tCOMPLETION\tCOST_USD\tLATENCY_MS")
	for _, record := range report.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%.6f\t%d\n",
			record.Timestamp.UTC().Format(time.RFC3339),
			record.Provider,
			valueOrDash(record.Model),
			record.Outcome,
			record.InputTokens,
			record.CompletionTokens,
			record.CostUSD,
			record.LatencyMS,
		)
	}
	return tw.Flush()
}

func valueOrDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
