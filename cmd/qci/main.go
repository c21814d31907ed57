package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"qci-scorer-go/internal/config"
	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/dataset"
	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/normalizer"
	"qci-scorer-go/internal/pipeline"
	"qci-scorer-go/internal/report"
	"qci-scorer-go/internal/sink"
	"qci-scorer-go/internal/types"
	"qci-scorer-go/internal/voiceapi"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "qci",
		Short:        "qci - score sales calls with the QCI framework",
		SilenceUsage: true,
	}
	root.AddCommand(newScoreCmd(), newEstimateCmd(), newFetchCmd())
	return root
}

type scoreOptions struct {
	in      string
	jsonOut string
	xlsxOut string
	profile string
	mock    bool
	publish bool
	limit   int
}

func newScoreCmd() *cobra.Command {
	var o scoreOptions
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a call dataset and write the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVarP(&o.in, "in", "i", "", "Input dataset (.json or .xlsx)")
	cmd.Flags().StringVar(&o.jsonOut, "json", "qci_report.json", "JSON report path (empty to skip)")
	cmd.Flags().StringVar(&o.xlsxOut, "xlsx", "", "Excel report path")
	cmd.Flags().StringVar(&o.profile, "profile", "", "Scheduler profile (test, default, large, production)")
	cmd.Flags().BoolVar(&o.mock, "mock", false, "Score with lexicon heuristics instead of the LLM")
	cmd.Flags().BoolVar(&o.publish, "publish", false, "Also publish the report to AMQP_URL")
	cmd.Flags().IntVar(&o.limit, "limit", 0, "Only score the first N records")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func runScore(ctx context.Context, out io.Writer, o scoreOptions) error {
	if o.mock {
		os.Setenv("USE_MOCK_LLM", "true")
	}
	if o.profile != "" {
		os.Setenv("QCI_PROFILE", o.profile)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New()

	raws, err := dataset.Load(o.in)
	if err != nil {
		return err
	}
	if o.limit > 0 && o.limit < len(raws) {
		raws = raws[:o.limit]
	}

	comps, err := pipeline.Build(cfg, nil, log)
	if err != nil {
		return err
	}
	opts := []pipeline.Option{pipeline.WithLogger(log)}
	if o.jsonOut != "" || o.xlsxOut != "" {
		opts = append(opts, pipeline.WithSinks(report.FileSink{JSONPath: o.jsonOut, XLSXPath: o.xlsxOut}))
	}
	if o.publish {
		pub, err := sink.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, pipeline.WithSinks(pub))
	}

	rep, err := comps.Pipeline(cfg, opts...).Run(ctx, raws)
	if err != nil {
		return err
	}
	printSummary(out, rep)
	return nil
}

func printSummary(out io.Writer, rep *types.Report) {
	s := rep.Summary
	fmt.Fprintf(out, "run %s\n", rep.RunID)
	fmt.Fprintf(out, "records: %d  invalid: %d  scored: %d  failed: %d  not attempted: %d\n",
		s.Total, s.Invalid, s.Scored, s.Failed, s.NotAttempted)
	fmt.Fprintf(out, "mean QCI: %.1f  cost: $%.4f  duration: %.1fs\n", s.MeanTotal, s.TotalCostUSD, s.DurationSeconds)

	if len(rep.Agents) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nAGENT\tCALLS\tMEAN\tPASS RATE")
		for _, a := range rep.Agents {
			fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.0f%%\n", a.Key, a.Count, a.MeanTotal, a.PassRate*100)
		}
		tw.Flush()
	}
	for _, e := range rep.SinkErrors {
		fmt.Fprintf(out, "warning: %s\n", e)
	}
}

func newEstimateCmd() *cobra.Command {
	var in, model string
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Project the cost of scoring a dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEstimate(cmd.OutOrStdout(), in, model)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "Input dataset (.json or .xlsx)")
	cmd.Flags().StringVar(&model, "model", cost.DefaultModel, "Pricing model")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func runEstimate(out io.Writer, in, model string) error {
	pricing, err := cost.PricingFor(model)
	if err != nil {
		return err
	}
	raws, err := dataset.Load(in)
	if err != nil {
		return err
	}
	valid, invalid := normalizer.Partition(normalizer.NormalizeAll(raws))
	est := cost.NewEstimator(pricing).Estimate(valid)

	fmt.Fprintf(out, "model: %s\n", est.Model)
	fmt.Fprintf(out, "calls: %d valid, %d invalid\n", len(valid), len(invalid))
	fmt.Fprintf(out, "tokens: %d input, %d output\n", est.Tokens.Input, est.Tokens.Output)
	fmt.Fprintf(out, "projected cost: $%.4f ($%.5f per call)\n", est.TotalCostUSD, est.PerCallAverageUSD)
	return nil
}

type fetchOptions struct {
	out       string
	limit     int
	assistant string
	since     time.Duration
}

func newFetchCmd() *cobra.Command {
	var o fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download call records from the voice platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd.Context(), cmd.OutOrStdout(), o)
		},
	}
	cmd.Flags().StringVarP(&o.out, "out", "o", "calls.json", "Output file")
	cmd.Flags().IntVar(&o.limit, "limit", 100, "Maximum number of calls")
	cmd.Flags().StringVar(&o.assistant, "assistant", "", "Only calls handled by this assistant id")
	cmd.Flags().DurationVar(&o.since, "since", 0, "Only calls created within this window, e.g. 24h")
	return cmd
}

func runFetch(ctx context.Context, out io.Writer, o fetchOptions) error {
	client, err := voiceapi.New(envOr("VOICE_API_URL", config.Default().VoiceAPIURL), os.Getenv("VOICE_API_KEY"))
	if err != nil {
		return err
	}
	opts := voiceapi.ListOptions{Limit: o.limit, AssistantID: o.assistant}
	if o.since > 0 {
		opts.CreatedAfter = time.Now().Add(-o.since)
	}
	raws, err := client.ListCalls(ctx, opts)
	if err != nil {
		return err
	}
	if err := dataset.Save(o.out, raws); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved %d calls to %s\n", len(raws), o.out)
	return nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
