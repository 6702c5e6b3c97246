package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/inference/refmodel"
	"ftpipe/internal/logging"
)

// Reference "trains" the in-process reference model: it checks the
// dataset is readable, then writes a deterministic adapter derived from the
// run name and the training data. It stands in for the sidecar in dry runs
// and tests.
type Reference struct{}

func (Reference) Train(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(req.RunName))
	rows, err := hashLines(req.Dataset.TrainFile, h.Write)
	if err != nil {
		return Result{}, err
	}
	if rows == 0 {
		return Result{}, fmt.Errorf("train file %s has no rows", req.Dataset.TrainFile)
	}

	alpha := adaptation.ResolveAlpha(req.Lora.Rank, req.Lora.Alpha)
	l, err := refmodel.NewLoRA(req.Lora.Rank, alpha, h.Sum64())
	if err != nil {
		return Result{}, err
	}
	dir := req.AdapterDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, err
	}
	if err := refmodel.SaveLoRA(dir, l); err != nil {
		return Result{}, err
	}
	ac := artifact.AdapterConfig{
		BaseModel:     req.Model.NameOrPath,
		PeftType:      "LORA",
		Rank:          req.Lora.Rank,
		Alpha:         alpha,
		Dropout:       req.Lora.Dropout,
		TargetModules: req.Lora.TargetModules,
		TaskType:      req.Lora.TaskType,
	}
	b, err := json.MarshalIndent(ac, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, artifact.AdapterConfigFile), b, 0o644); err != nil {
		return Result{}, err
	}

	steps := stepsFor(rows, req.Training)
	logging.FromContext(ctx).Info().Str("run", req.RunName).Int("rows", rows).Int("steps", steps).Str("event", "finished").Msg("reference training finished")
	return Result{AdapterDir: dir, Steps: steps, Metrics: map[string]any{"train_rows": rows}}, nil
}

func hashLines(path string, write func([]byte) (int, error)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		_, _ = write(sc.Bytes())
		n++
	}
	return n, sc.Err()
}

func stepsFor(rows int, t TrainingArguments) int {
	per := t.PerDeviceTrainBatchSize * max(t.GradientAccumulationSteps, 1)
	if per <= 0 {
		per = 1
	}
	return ((rows + per - 1) / per) * max(t.NumTrainEpochs, 1)
}
