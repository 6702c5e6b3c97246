package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/config"
	"ftpipe/internal/events"
	"ftpipe/internal/ledger"
	"ftpipe/internal/logging"
	"ftpipe/internal/pipeline"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app carries what every subcommand shares.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	// flag overrides applied on top of the resolved config
	model   string
	dataset string
	runName string
	backend string

	cfg config.Config
	log zerolog.Logger
	led *ledger.Ledger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "ftpipe",
		Short:         "Fine-tune a causal LM with LoRA, then generate, merge and serve it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.led != nil {
				return a.led.Close()
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("FTPIPE_CONFIG"), "Config file (.yaml, .toml or .json)")
	pf.StringVar(&a.logLevel, "log-level", envOr("FTPIPE_LOG_LEVEL", "info"), "Log level: trace|debug|info|warn|error")
	pf.StringVar(&a.logFormat, "log-format", envOr("FTPIPE_LOG_FORMAT", "console"), "Log format: console|json")
	pf.StringVar(&a.model, "model", "", "Base model id (overrides model.id)")
	pf.StringVar(&a.dataset, "dataset", "", "Dataset id or local file (overrides dataset.id)")
	pf.StringVar(&a.runName, "run-name", "", "Run name (overrides training.run_name)")
	pf.StringVar(&a.backend, "backend", "", "Inference backend: reference|sidecar|llama (overrides runtime.backend)")

	root.AddCommand(
		newRunCmd(a),
		newStageCmd(a, "prepare", "Load and split the dataset", pipeline.StagePrepare),
		newStageCmd(a, "setup", "Resolve the base model and adapter configuration", pipeline.StageSetup),
		newStageCmd(a, "train", "Prepare, set up and train an adapter", pipeline.StageTrain),
		newGenerateCmd(a),
		newMergeCmd(a),
		newServeCmd(a),
		newRunsCmd(a),
		newVersionCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (a *app) init(cmd *cobra.Command) error {
	a.log = logging.New(a.logLevel, a.logFormat, cmd.ErrOrStderr())
	cmd.SetContext(logging.WithContext(cmd.Context(), a.log))
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Resolve(a.configPath)
	if err != nil {
		return err
	}
	if a.model != "" {
		cfg.Model.ID = a.model
	}
	if a.dataset != "" {
		cfg.Dataset.ID = a.dataset
	}
	if a.runName != "" {
		cfg.Training.RunName = a.runName
	}
	if a.backend != "" {
		cfg.Runtime.Backend = a.backend
	}
	a.cfg = cfg
	return nil
}

// ledgerPath is runtime.ledger_path, or ledger.db in the work dir.
func (a *app) ledgerPath() (string, error) {
	p := a.cfg.Runtime.LedgerPath
	if p == "" {
		p = filepath.Join(a.cfg.Runtime.WorkDir, "ledger.db")
	}
	return fsutil.ExpandHome(p)
}

func (a *app) ledger() (*ledger.Ledger, error) {
	if a.led != nil {
		return a.led, nil
	}
	p, err := a.ledgerPath()
	if err != nil {
		return nil, err
	}
	if a.led, err = ledger.Open(p); err != nil {
		return nil, err
	}
	return a.led, nil
}

// pipeline builds a Pipeline over the resolved config with the ledger and
// a progress bar on stderr.
func (a *app) pipeline(cmd *cobra.Command, opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	led, err := a.ledger()
	if err != nil {
		return nil, err
	}
	var progress io.Writer
	if a.logFormat != "json" {
		progress = cmd.ErrOrStderr()
	}
	return pipeline.New(a.cfg, pipeline.Deps{
		Ledger:    led,
		Publisher: events.Log{L: a.log},
		Progress:  progress,
	}, opts...)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
