// Package pipeline runs the fine-tune-then-serve workflow: dataset
// preparation, adapter setup, training, then inference and consolidation,
// optionally followed by a hand-off to a serving engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/config"
	"ftpipe/internal/events"
	"ftpipe/internal/faults"
	"ftpipe/internal/inference"
	"ftpipe/internal/ledger"
	"ftpipe/internal/logging"
	"ftpipe/internal/prompt"
	"ftpipe/internal/registry"
	"ftpipe/internal/tokenize"
	"ftpipe/internal/trainer"
)

// Stage names, as logged, recorded and labelled in metrics.
const (
	StagePrepare = "prepare"
	StageSetup   = "setup"
	StageTrain   = "train"
	StageInfer   = "infer"
	StageServe   = "serve"
)

// Deps are the collaborators a Pipeline drives. Nil fields are built from
// the config by New.
type Deps struct {
	Resolver  adaptation.Resolver
	Trainer   trainer.Trainer
	Backend   inference.Backend
	Store     artifact.Store
	Tokenizer tokenize.Tokenizer
	// Ledger is optional; runs are not recorded without one.
	Ledger    *ledger.Ledger
	Publisher events.Publisher
	Metrics   *Metrics
	// Progress receives the training progress bar; nil disables it.
	Progress io.Writer
}

// Pipeline holds one immutable config and its collaborators.
type Pipeline struct {
	cfg         config.Config
	tpl         prompt.Template
	d           Deps
	engine      *inference.Engine
	workDir     string
	keepServing bool
	stopAfter   string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithKeepServing makes Run block on a launched serving engine until the
// context is cancelled instead of stopping it after the sample request.
func WithKeepServing() Option { return func(p *Pipeline) { p.keepServing = true } }

// WithStopAfter ends Run successfully once stage has finished.
func WithStopAfter(stage string) Option { return func(p *Pipeline) { p.stopAfter = stage } }

// New checks what every command needs and fills in missing collaborators.
// Dataset and training settings are checked by the stages that use them.
func New(cfg config.Config, d Deps, opts ...Option) (*Pipeline, error) {
	if err := cfg.ValidateInference(); err != nil {
		return nil, err
	}
	tpl, err := prompt.FromConfig(cfg.Template)
	if err != nil {
		return nil, err
	}
	workDir, err := fsutil.ExpandHome(cfg.Runtime.WorkDir)
	if err != nil {
		return nil, faults.Config("runtime.work_dir", err.Error())
	}
	d.Publisher = events.OrNop(d.Publisher)
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	if d.Resolver == nil {
		r, err := registry.NewResolver(cfg.Runtime.ModelsDir)
		if err != nil {
			return nil, err
		}
		d.Resolver = r
	}
	if cfg.Model.Family != "" {
		d.Resolver = adaptation.WithFamily(d.Resolver, cfg.Model.Family)
	}
	if d.Backend == nil {
		if d.Backend, err = inference.NewBackend(cfg.Runtime); err != nil {
			return nil, err
		}
	}
	if d.Trainer == nil {
		d.Trainer = NewTrainer(cfg, d.Publisher, d.Progress)
	}
	if d.Store == nil {
		if d.Store, err = artifact.New(cfg.Artifacts); err != nil {
			return nil, err
		}
	}
	p := &Pipeline{
		cfg:     cfg,
		tpl:     tpl,
		d:       d,
		engine:  inference.NewEngine(d.Backend, d.Publisher),
		workDir: workDir,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// NewTrainer picks the trainer for cfg: the in-process reference trainer for
// the reference backend, a spawned sidecar when trainer_bin is set, and
// otherwise a client for the sidecar at trainer_url.
func NewTrainer(cfg config.Config, pub events.Publisher, progress io.Writer) trainer.Trainer {
	clientOpts := []trainer.Option{
		trainer.WithPollInterval(time.Duration(cfg.Training.PollIntervalMS) * time.Millisecond),
	}
	if progress != nil {
		clientOpts = append(clientOpts, trainer.WithProgress(progress))
	}
	switch {
	case cfg.Runtime.Backend == "reference":
		return trainer.Reference{}
	case cfg.Runtime.TrainerBin != "":
		return trainer.NewSpawned(trainer.SpawnOptions{
			Bin:        cfg.Runtime.TrainerBin,
			Args:       cfg.Runtime.TrainerArgs,
			Publisher:  pub,
			ClientOpts: clientOpts,
		})
	default:
		return trainer.NewClient(cfg.Runtime.TrainerURL, clientOpts...)
	}
}

func (p *Pipeline) Config() config.Config { return p.cfg }

func (p *Pipeline) Template() prompt.Template { return p.tpl }

func (p *Pipeline) Engine() *inference.Engine { return p.engine }

func (p *Pipeline) Metrics() *Metrics { return p.d.Metrics }

// RunDir is the working directory of run.
func (p *Pipeline) RunDir(run string) string { return filepath.Join(p.workDir, run) }

// Report summarizes one Run.
type Report struct {
	RunID        string
	RunName      string
	TrainSize    int
	EvalSize     int
	Handle       *adaptation.ModelHandle
	Adapter      artifact.Adapter
	Steps        int
	Sample       string
	MergedPath   string
	MergedSample string
	ServedSample string
}

// Run executes every stage in order. The first failing stage ends the run;
// its error carries the stage name.
func (p *Pipeline) Run(ctx context.Context) (rep Report, err error) {
	if err := p.cfg.Validate(); err != nil {
		return rep, err
	}
	rep.RunID = uuid.NewString()
	rep.RunName = p.runName(rep.RunID)
	ctx = p.runLogger(ctx, rep.RunID, rep.RunName)
	log := logging.FromContext(ctx)
	log.Info().Str("model", p.cfg.Model.ID).Str("dataset", p.cfg.Dataset.ID).Str("backend", p.d.Backend.Name()).Msg("run started")

	if p.d.Ledger != nil {
		if lerr := p.d.Ledger.Begin(ctx, rep.RunID, rep.RunName, p.cfg.Model.ID, p.cfg.Dataset.ID); lerr != nil {
			log.Warn().Err(lerr).Msg("ledger begin")
		}
	}
	defer func() {
		status := ledger.RunSucceeded
		if err != nil {
			status = ledger.RunFailed
		}
		p.d.Metrics.RunFinished(status)
		p.d.Publisher.Publish(events.Event{Name: "run_" + status, Run: rep.RunID, Fields: map[string]any{"name": rep.RunName}})
		if p.d.Ledger != nil {
			out := ledger.Outputs{AdapterURI: rep.Adapter.URI, MergedPath: rep.MergedPath, Sample: rep.Sample}
			if lerr := p.d.Ledger.Finish(context.WithoutCancel(ctx), rep.RunID, out, err); lerr != nil {
				log.Warn().Err(lerr).Msg("ledger finish")
			}
		}
		p.writeTextfile(ctx)
		if err != nil {
			log.Error().Err(err).Str("stage", faults.StageOf(err)).Msg("run failed")
			return
		}
		log.Info().Str("adapter", rep.Adapter.URI).Str("merged", rep.MergedPath).Msg("run finished")
	}()

	var prep Prepared
	if err := p.stage(ctx, rep.RunID, StagePrepare, func(ctx context.Context) error {
		var e error
		prep, e = p.Prepare(ctx, rep.RunName)
		return e
	}); err != nil {
		return rep, err
	}
	rep.TrainSize, rep.EvalSize = len(prep.Split.Train), len(prep.Split.Eval)
	if p.stopAfter == StagePrepare {
		return rep, nil
	}

	if err := p.stage(ctx, rep.RunID, StageSetup, func(ctx context.Context) error {
		var e error
		rep.Handle, e = p.Setup(ctx)
		return e
	}); err != nil {
		return rep, err
	}
	if p.stopAfter == StageSetup {
		return rep, nil
	}

	if err := p.stage(ctx, rep.RunID, StageTrain, func(ctx context.Context) error {
		return inference.WithDeviceScope(ctx, StageTrain, p.d.Backend, func(ctx context.Context) error {
			var e error
			rep.Adapter, rep.Steps, e = p.Train(ctx, rep.RunName, rep.Handle, prep)
			return e
		})
	}); err != nil {
		return rep, err
	}
	if p.stopAfter == StageTrain {
		return rep, nil
	}

	samplePrompt := p.SamplePrompt(prep)
	if err := p.stage(ctx, rep.RunID, StageInfer, func(ctx context.Context) error {
		return inference.WithDeviceScope(ctx, StageInfer, p.d.Backend, func(ctx context.Context) error {
			res, e := p.Infer(ctx, rep.RunName, rep.Handle, rep.Adapter, samplePrompt)
			rep.Sample, rep.MergedPath, rep.MergedSample = res.Sample, res.MergedPath, res.MergedSample
			return e
		})
	}); err != nil {
		return rep, err
	}

	if !p.cfg.Serving.Enabled || p.stopAfter == StageInfer {
		return rep, nil
	}
	err = p.stage(ctx, rep.RunID, StageServe, func(ctx context.Context) error {
		return inference.WithDeviceScope(ctx, StageServe, p.d.Backend, func(ctx context.Context) error {
			var e error
			rep.ServedSample, e = p.serveSample(ctx, rep.MergedPath, samplePrompt)
			return e
		})
	})
	return rep, err
}

func (p *Pipeline) runName(id string) string {
	if n := strings.TrimSpace(p.cfg.Training.RunName); n != "" {
		return n
	}
	return "run-" + id[:8]
}

func (p *Pipeline) runLogger(ctx context.Context, id, name string) context.Context {
	l := logging.FromContext(ctx).With().Str("run", name).Str("run_id", id).Logger()
	return logging.WithContext(ctx, l)
}

// stage runs fn as the named stage: it times it, classifies its error,
// records the outcome and emits start and end events.
func (p *Pipeline) stage(ctx context.Context, runID, name string, fn func(ctx context.Context) error) error {
	l := logging.FromContext(ctx).With().Str("stage", name).Logger()
	ctx = logging.WithContext(ctx, l)
	p.d.Publisher.Publish(events.Event{Name: "stage_start", Run: runID, Stage: name})
	l.Info().Msg("stage started")

	start := time.Now()
	err := faults.Classify(name, p.cfg.Model.ID, fn(ctx))
	dur := time.Since(start)

	outcome := ledger.OutcomeOK
	if err != nil {
		outcome = ledger.OutcomeError
	}
	p.d.Metrics.ObserveStage(name, outcome, dur)
	p.d.Publisher.Publish(events.Event{Name: "stage_end", Run: runID, Stage: name, Fields: map[string]any{"outcome": outcome, "dur": dur}})
	if p.d.Ledger != nil {
		if lerr := p.d.Ledger.RecordStage(context.WithoutCancel(ctx), runID, name, dur, err); lerr != nil {
			l.Warn().Err(lerr).Msg("ledger stage")
		}
	}
	if err != nil {
		ev := l.Error().Err(err).Dur("dur", dur)
		if faults.IsConfig(err) {
			ev = ev.Str("field", faults.ConfigField(err))
		}
		ev.Msg("stage failed")
		return err
	}
	l.Info().Dur("dur", dur).Msg("stage finished")
	return nil
}

func (p *Pipeline) writeTextfile(ctx context.Context) {
	path := p.cfg.Runtime.MetricsTextfile
	if path == "" {
		return
	}
	if err := p.d.Metrics.WriteTextfile(path); err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("path", path).Msg("write metrics textfile")
	}
}

// Setup resolves the base model and the adapter configuration.
func (p *Pipeline) Setup(ctx context.Context) (*adaptation.ModelHandle, error) {
	h, err := adaptation.Setup(ctx, p.d.Resolver, p.cfg.Model.ID,
		adaptation.LoraFromConfig(p.cfg.Lora), adaptation.QuantFromConfig(p.cfg.Quant))
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info().
		Str("model", h.Model.ID).
		Str("family", h.Family()).
		Str("format", h.Model.Format).
		Int("rank", h.Lora.Rank).
		Float64("alpha", h.Lora.Alpha).
		Strs("targets", h.Lora.TargetModules).
		Int("bits", h.Quant.Bits).
		Msg("model handle resolved")
	return h, nil
}

// GenerateOptions maps the generation section of the config.
func GenerateOptions(c config.GenerationConfig) inference.GenerateOptions {
	return inference.GenerateOptions{
		MaxNewTokens: c.MaxNewTokens,
		Temperature:  c.Temperature,
		TopP:         c.TopP,
		TopK:         c.TopK,
		Seed:         c.Seed,
		Stop:         c.Stop,
	}
}

// errNoSample is returned when there is nothing to prompt the model with.
var errNoSample = errors.New("no sample prompt: set generation.sample_prompt or keep an eval partition")

func wrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", stage, err)
}
