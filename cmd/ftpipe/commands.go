package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ftpipe/internal/pipeline"
	"ftpipe/pkg/types"
)

func newRunCmd(a *app) *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run every stage: prepare, setup, train, infer and optionally serve",
		Example: "  ftpipe run -c finetune.yaml\n  ftpipe run -c finetune.yaml --keep-serving",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []pipeline.Option
			if keep {
				opts = append(opts, pipeline.WithKeepServing())
			}
			p, err := a.pipeline(cmd, opts...)
			if err != nil {
				return err
			}
			rep, err := p.Run(ctxOf(cmd))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&keep, "keep-serving", false, "Keep the serving engine up until interrupted")
	return cmd
}

// newStageCmd runs the pipeline up to and including stage.
func newStageCmd(a *app, use, short, stage string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipeline(cmd, pipeline.WithStopAfter(stage))
			if err != nil {
				return err
			}
			rep, err := p.Run(ctxOf(cmd))
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func printReport(w io.Writer, rep pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s\t%s\n", k, v)
		}
	}
	row("run", rep.RunName)
	row("run id", rep.RunID)
	row("split", fmt.Sprintf("%d train / %d eval", rep.TrainSize, rep.EvalSize))
	if h := rep.Handle; h != nil {
		row("model", h.Model.ID)
		row("family", h.Family())
		row("lora", fmt.Sprintf("r=%d alpha=%g targets=%s", h.Lora.Rank, h.Lora.Alpha, strings.Join(h.Lora.TargetModules, ",")))
		if h.Quant.Bits > 0 {
			row("quant", fmt.Sprintf("%d-bit %s", h.Quant.Bits, h.Quant.QuantType))
		}
	}
	row("adapter", rep.Adapter.URI)
	if rep.Steps > 0 {
		row("steps", fmt.Sprint(rep.Steps))
	}
	if rep.Sample != "" {
		row("sample", fmt.Sprintf("%q", rep.Sample))
	}
	row("merged", rep.MergedPath)
	row("served", rep.ServedSample)
	_ = tw.Flush()
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		run    string
		merged bool
		req    types.GenerateRequest
	)
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Short:   "Generate from a trained adapter or its merged model",
		Example: "  ftpipe generate --run dolly-r8 --instruction 'What is LoRA?'\n  ftpipe generate --run dolly-r8 --merged '### Question: Hi\\n ### Answer:'",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.Prompt = args[0]
			}
			if run == "" {
				run = a.cfg.Training.RunName
			}
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			ctx := ctxOf(cmd)
			svc, err := p.OpenService(ctx, pipeline.ServiceOptions{Run: run, Merged: merged})
			if err != nil {
				return err
			}
			defer svc.Close(ctx)
			res, err := svc.Generate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			a.log.Info().Str("model", res.Model).Int("tokens", res.Tokens).Dur("dur", time.Duration(res.DurationMS)*time.Millisecond).Msg("generated")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&run, "run", "", "Run whose adapter to load (defaults to training.run_name)")
	f.BoolVar(&merged, "merged", false, "Load the run's merged model instead of composing")
	f.StringVar(&req.Instruction, "instruction", "", "Instruction formatted through the prompt template")
	f.StringVar(&req.Input, "input", "", "Optional input for --instruction")
	f.IntVar(&req.MaxNewTokens, "max-new-tokens", 0, "Override generation.max_new_tokens")
	f.Int64Var(&req.Seed, "seed", 0, "Override generation.seed")
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a trained adapter into its base model and save the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run == "" {
				run = a.cfg.Training.RunName
			}
			p, err := a.pipeline(cmd)
			if err != nil {
				return err
			}
			out, err := p.Merge(ctxOf(cmd), run)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "Run whose adapter to merge (defaults to training.run_name)")
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := a.ledger()
			if err != nil {
				return err
			}
			runs, err := led.List(ctxOf(cmd), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printRuns(w io.Writer, runs []types.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tMODEL\tSTARTED\tSTAGES")
	for _, r := range runs {
		stages := make([]string, len(r.Stages))
		for i, s := range r.Stages {
			stages[i] = s.Name + ":" + s.Outcome
		}
		started := time.Unix(r.StartedAt, 0).Format(time.DateTime)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Status, r.BaseModel, started, strings.Join(stages, " "))
	}
	_ = tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "ftpipe", version)
			return nil
		},
	}
}
