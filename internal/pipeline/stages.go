package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/collator"
	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/dataset"
	"ftpipe/internal/faults"
	"ftpipe/internal/inference"
	"ftpipe/internal/logging"
	"ftpipe/internal/prompt"
	"ftpipe/internal/serving"
	"ftpipe/internal/tokenize"
	"ftpipe/internal/trainer"
)

// Prepared is the output of the prepare stage.
type Prepared struct {
	Split       dataset.Split
	TrainFile   string
	EvalFile    string
	Fingerprint string
}

// Prepare loads and splits the dataset and persists both partitions under
// the run directory.
func (p *Pipeline) Prepare(ctx context.Context, run string) (Prepared, error) {
	c := p.cfg.Dataset
	src, err := dataset.Open(c.ID, dataset.HubOptions{BaseURL: c.HubURL, Split: c.Split, Token: c.HubToken, Limit: c.Limit})
	if err != nil {
		return Prepared{}, faults.Config("dataset.id", err.Error())
	}
	split, err := dataset.Prepare(ctx, src, dataset.SplitOptions{
		Fraction: c.Fraction,
		Seed:     c.Seed,
		Shuffle:  c.Shuffle,
		Limit:    c.Limit,
	})
	if errors.Is(err, dataset.ErrEmptyDataset) {
		return Prepared{}, faults.ConfigWrap("dataset.id", fmt.Errorf("%s: %w", src.Name(), err))
	}
	if err != nil {
		return Prepared{}, err
	}
	dir := p.RunDir(run)
	prep := Prepared{
		Split:       split,
		TrainFile:   filepath.Join(dir, "train.examples.jsonl"),
		EvalFile:    filepath.Join(dir, "eval.examples.jsonl"),
		Fingerprint: dataset.Fingerprint(split.Train),
	}
	if err := dataset.WriteJSONL(prep.TrainFile, split.Train); err != nil {
		return Prepared{}, err
	}
	if err := dataset.WriteJSONL(prep.EvalFile, split.Eval); err != nil {
		return Prepared{}, err
	}
	logging.FromContext(ctx).Info().
		Str("source", src.Name()).
		Int("train", len(split.Train)).
		Int("eval", len(split.Eval)).
		Str("fingerprint", prep.Fingerprint).
		Msg("dataset split")
	return prep, nil
}

type textRecord struct {
	Text string `json:"text"`
}

// writeText writes each example formatted by t as a {"text": ...} line.
func writeText(path string, t prompt.Template, exs []dataset.Example) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, s := range prompt.FormatAll(t, exs) {
		if err := enc.Encode(textRecord{Text: s}); err != nil {
			return err
		}
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Train formats the partitions, builds the trainer request, runs it and
// stores the adapter. All request validation happens before the trainer is
// contacted.
func (p *Pipeline) Train(ctx context.Context, run string, h *adaptation.ModelHandle, prep Prepared) (artifact.Adapter, int, error) {
	log := logging.FromContext(ctx)
	markerIDs, err := p.markerIDs(h)
	if err != nil {
		return artifact.Adapter{}, 0, err
	}
	dir := p.RunDir(run)
	in := trainer.Inputs{
		RunName:    run,
		Handle:     h,
		Template:   p.tpl,
		MarkerIDs:  markerIDs,
		TrainFile:  filepath.Join(dir, "train.jsonl"),
		OutputRoot: p.workDir,
		Training:   p.cfg.Training,
	}
	if len(prep.Split.Eval) > 0 {
		in.EvalFile = filepath.Join(dir, "eval.jsonl")
	}
	req, err := trainer.BuildRequest(in)
	if err != nil {
		return artifact.Adapter{}, 0, err
	}
	if err := p.checkMasking(ctx, prep.Split.Train, markerIDs); err != nil {
		return artifact.Adapter{}, 0, err
	}
	if err := writeText(in.TrainFile, p.tpl, prep.Split.Train); err != nil {
		return artifact.Adapter{}, 0, err
	}
	if in.EvalFile != "" {
		if err := writeText(in.EvalFile, p.tpl, prep.Split.Eval); err != nil {
			return artifact.Adapter{}, 0, err
		}
	}

	res, err := p.d.Trainer.Train(ctx, req)
	if err != nil {
		return artifact.Adapter{}, 0, err
	}
	uri, err := p.d.Store.Save(ctx, run, res.AdapterDir)
	if err != nil {
		return artifact.Adapter{}, res.Steps, fmt.Errorf("store adapter: %w", err)
	}
	log.Info().Int("steps", res.Steps).Str("adapter", uri).Interface("metrics", res.Metrics).Msg("adapter stored")
	return artifact.Adapter{RunName: run, Dir: res.AdapterDir, URI: uri}, res.Steps, nil
}

// markerIDs tokenizes the response marker for the special template. The
// normal template needs none.
func (p *Pipeline) markerIDs(h *adaptation.ModelHandle) ([]int, error) {
	marker, ok := prompt.ResponseMarker(p.tpl)
	if !ok {
		return nil, nil
	}
	if marker == "" {
		return nil, faults.Config("template.response_marker", "required when template kind is special")
	}
	tok, err := p.tokenizer(h)
	if err != nil {
		return nil, err
	}
	ids, err := tokenize.MarkerIDs(tok, marker, h.Family())
	if err != nil {
		return nil, faults.Config("template.response_marker", err.Error())
	}
	return ids, nil
}

// tokenizer returns the injected tokenizer, the configured one, the one
// shipped with a local model, or the byte tokenizer as a last resort.
func (p *Pipeline) tokenizer(h *adaptation.ModelHandle) (tokenize.Tokenizer, error) {
	if p.d.Tokenizer != nil {
		return p.d.Tokenizer, nil
	}
	if ref := p.cfg.Model.Tokenizer; ref != "" {
		tok, err := tokenize.LoadHF(ref)
		if err != nil {
			return nil, faults.Config("model.tokenizer", err.Error())
		}
		p.d.Tokenizer = tok
		return tok, nil
	}
	if h.Model.Path != "" && fsutil.PathExists(filepath.Join(h.Model.Path, "tokenizer.json")) {
		tok, err := tokenize.LoadHF(h.Model.Path)
		if err != nil {
			return nil, err
		}
		p.d.Tokenizer = tok
		return tok, nil
	}
	p.d.Tokenizer = tokenize.Bytes{}
	return p.d.Tokenizer, nil
}

// checkMasking runs the completion-only collator over the training texts
// and warns about examples whose loss would be fully masked.
func (p *Pipeline) checkMasking(ctx context.Context, train []dataset.Example, markerIDs []int) error {
	if len(markerIDs) == 0 {
		return nil
	}
	c, err := collator.NewCompletionOnly(markerIDs)
	if err != nil {
		return faults.Config("template.response_marker", err.Error())
	}
	tok := p.d.Tokenizer
	texts := prompt.FormatAll(p.tpl, train)
	size := p.cfg.Training.BatchSize
	if size <= 0 {
		size = len(texts)
	}
	missing, supervised := 0, 0
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		seqs := make([][]int, 0, end-start)
		for _, text := range texts[start:end] {
			seqs = append(seqs, tok.Encode(text, true))
		}
		b := c.Collate(seqs, 0)
		missing += b.Unmasked
		for _, row := range b.Labels {
			for _, l := range row {
				if l != collator.IgnoreIndex {
					supervised++
				}
			}
		}
	}
	log := logging.FromContext(ctx)
	if missing > 0 {
		log.Warn().
			Int("examples", missing).
			Int("total", len(train)).
			Msg("response marker not found; those examples contribute no loss")
	}
	log.Debug().Int("supervised_tokens", supervised).Int("batch_size", size).Msg("completion-only masking checked")
	return nil
}

// SamplePrompt is the configured sample prompt, or the first eval example
// rendered without its answer.
func (p *Pipeline) SamplePrompt(prep Prepared) string {
	if s := p.cfg.Generation.SamplePrompt; s != "" {
		return s
	}
	if len(prep.Split.Eval) > 0 {
		return prompt.Prompt(p.tpl, prep.Split.Eval[0])
	}
	if len(prep.Split.Train) > 0 {
		return prompt.Prompt(p.tpl, prep.Split.Train[0])
	}
	return ""
}

// InferResult is the output of the inference stage.
type InferResult struct {
	Sample       string
	Tokens       int
	MergedPath   string
	MergedSample string
}

// Infer composes base and adapter, generates for samplePrompt and, when
// runtime.merge is set, merges, generates again from the merged weights and
// saves them.
func (p *Pipeline) Infer(ctx context.Context, run string, h *adaptation.ModelHandle, a artifact.Adapter, samplePrompt string) (InferResult, error) {
	if samplePrompt == "" {
		return InferResult{}, faults.Config("generation.sample_prompt", errNoSample.Error())
	}
	log := logging.FromContext(ctx)
	m, err := p.engine.Compose(ctx, h, a)
	if err != nil {
		return InferResult{}, err
	}
	var res InferResult
	res.Sample, res.Tokens, err = inference.GenerateCounted(ctx, m, samplePrompt, GenerateOptions(p.cfg.Generation))
	if err != nil {
		_ = m.Close()
		return res, err
	}
	p.d.Metrics.AddTokens(res.Tokens)
	log.Info().Int("tokens", res.Tokens).Str("sample", res.Sample).Msg("sample generated")

	if !p.cfg.Runtime.Merge {
		return res, m.Close()
	}
	merged, err := m.MergeAndUnload(ctx)
	if err != nil {
		return res, wrapStage("merge", err)
	}
	defer merged.Close()
	res.MergedSample, err = inference.Generate(ctx, merged, samplePrompt, GenerateOptions(p.cfg.Generation))
	if err != nil {
		return res, wrapStage("merged sample", err)
	}
	if res.MergedSample == res.Sample {
		log.Info().Msg("merged sample matches composed")
	} else {
		log.Warn().
			Int("common_prefix", commonPrefix(res.Sample, res.MergedSample)).
			Str("composed", res.Sample).
			Str("merged", res.MergedSample).
			Msg("merged sample differs from composed")
	}
	res.MergedPath = filepath.Join(p.RunDir(run), "merged")
	start := time.Now()
	if err := merged.Save(ctx, res.MergedPath); err != nil {
		return res, wrapStage("save merged", err)
	}
	log.Info().Str("path", res.MergedPath).Dur("dur", time.Since(start)).Msg("merged model saved")
	return res, nil
}

// commonPrefix is the length in bytes of the longest shared prefix.
func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Merge composes the stored adapter of run with its base model, merges it
// and saves standalone weights under the run directory.
func (p *Pipeline) Merge(ctx context.Context, run string) (string, error) {
	h, err := p.Setup(ctx)
	if err != nil {
		return "", err
	}
	a, err := p.LoadAdapter(ctx, run)
	if err != nil {
		return "", err
	}
	out := filepath.Join(p.RunDir(run), "merged")
	err = inference.WithDeviceScope(ctx, StageInfer, p.d.Backend, func(ctx context.Context) error {
		m, err := p.engine.Compose(ctx, h, a)
		if err != nil {
			return err
		}
		merged, err := m.MergeAndUnload(ctx)
		if err != nil {
			return wrapStage("merge", err)
		}
		defer merged.Close()
		return wrapStage("save merged", merged.Save(ctx, out))
	})
	if err != nil {
		return "", faults.Classify(StageInfer, h.Model.ID, err)
	}
	logging.FromContext(ctx).Info().Str("run", run).Str("path", out).Msg("merged model saved")
	return out, nil
}

// LoadAdapter returns the adapter of run, materializing it from the store
// when it is not already in the run directory.
func (p *Pipeline) LoadAdapter(ctx context.Context, run string) (artifact.Adapter, error) {
	dir := filepath.Join(p.RunDir(run), "adapter")
	if fsutil.IsDir(dir) {
		return artifact.Adapter{RunName: run, Dir: dir}, nil
	}
	if err := p.d.Store.Load(ctx, run, dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return artifact.Adapter{}, faults.Configf("training.run_name", "no adapter stored for run %q", run)
		}
		return artifact.Adapter{}, err
	}
	return artifact.Adapter{RunName: run, Dir: dir}, nil
}

// Serve hands mergedPath to the serving engine, or attaches to
// serving.base_url when set.
func (p *Pipeline) Serve(ctx context.Context, mergedPath string) (*serving.Instance, error) {
	c := p.cfg.Serving
	if c.BaseURL != "" {
		return serving.Attach(c.BaseURL, mergedPath, c.APIKey)
	}
	if mergedPath == "" {
		return nil, faults.Config("runtime.merge", "serving needs a merged model")
	}
	o := serving.OptionsFromConfig(c)
	o.Publisher = p.d.Publisher
	return serving.Launch(ctx, mergedPath, o)
}

func (p *Pipeline) serveSample(ctx context.Context, mergedPath, samplePrompt string) (string, error) {
	inst, err := p.Serve(ctx, mergedPath)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := inst.Stop(); err != nil {
			logging.FromContext(ctx).Warn().Err(err).Msg("stop serving engine")
		}
	}()
	g := p.cfg.Generation
	text, err := inst.Generate(ctx, samplePrompt, serving.Sampling{
		MaxTokens:   g.MaxNewTokens,
		Temperature: g.Temperature,
		TopP:        g.TopP,
		Seed:        g.Seed,
	})
	if err != nil {
		return "", err
	}
	logging.FromContext(ctx).Info().Str("url", inst.BaseURL()).Str("sample", text).Msg("served sample generated")
	if p.keepServing {
		logging.FromContext(ctx).Info().Str("url", inst.BaseURL()).Msg("serving until interrupted")
		<-ctx.Done()
	}
	return text, nil
}
