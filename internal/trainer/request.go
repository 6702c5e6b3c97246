package trainer

import (
	"path/filepath"
	"strings"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/collator"
	"ftpipe/internal/config"
	"ftpipe/internal/faults"
	"ftpipe/internal/prompt"
)

// Collator kinds understood by the sidecar.
const (
	CollatorCompletionOnly = "completion_only"
	CollatorLanguageModel  = "language_modeling"
)

// Request is the fully resolved payload posted to the trainer sidecar.
type Request struct {
	RunName      string              `json:"run_name"`
	Model        ModelConfig         `json:"model_config"`
	Quantization *QuantizationConfig `json:"quantization_config,omitempty"`
	Lora         adaptation.LoraSpec `json:"lora_config"`
	Training     TrainingArguments   `json:"training_arguments"`
	Dataset      DatasetConfig       `json:"dataset_config"`
	Collator     CollatorConfig      `json:"data_collator"`
}

type ModelConfig struct {
	NameOrPath string `json:"pretrained_model_name_or_path"`
	Family     string `json:"family,omitempty"`
	Format     string `json:"format,omitempty"`
}

type QuantizationConfig struct {
	LoadIn4Bit   bool   `json:"load_in_4bit"`
	LoadIn8Bit   bool   `json:"load_in_8bit"`
	ComputeDtype string `json:"bnb_4bit_compute_dtype,omitempty"`
	QuantType    string `json:"bnb_4bit_quant_type,omitempty"`
	DoubleQuant  bool   `json:"bnb_4bit_use_double_quant"`
}

type TrainingArguments struct {
	OutputDir                 string  `json:"output_dir"`
	NumTrainEpochs            int     `json:"num_train_epochs"`
	PerDeviceTrainBatchSize   int     `json:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	LRSchedulerType           string  `json:"lr_scheduler_type"`
	WarmupRatio               float64 `json:"warmup_ratio"`
	WeightDecay               float64 `json:"weight_decay"`
	MaxGradNorm               float64 `json:"max_grad_norm"`
	Optim                     string  `json:"optim,omitempty"`
	LoggingSteps              int     `json:"logging_steps,omitempty"`
	SaveSteps                 int     `json:"save_steps,omitempty"`
	MaxSeqLength              int     `json:"max_seq_length"`
	BF16                      bool    `json:"bf16"`
	FP16                      bool    `json:"fp16"`
}

type DatasetConfig struct {
	TrainFile string `json:"train_file"`
	EvalFile  string `json:"eval_file,omitempty"`
	TextField string `json:"dataset_text_field"`
}

type CollatorConfig struct {
	Kind                string `json:"kind"`
	ResponseTemplate    string `json:"response_template,omitempty"`
	ResponseTemplateIDs []int  `json:"response_template_ids,omitempty"`
	IgnoreIndex         int    `json:"ignore_index"`
}

// AdapterDir is where the sidecar saves the adapter weights.
func (r Request) AdapterDir() string {
	return filepath.Join(r.Training.OutputDir, "adapter")
}

// Inputs collects what BuildRequest needs from earlier stages.
type Inputs struct {
	RunName  string
	Handle   *adaptation.ModelHandle
	Template prompt.Template
	// MarkerIDs are the response marker's token ids; required for the
	// special template.
	MarkerIDs []int
	TrainFile string
	EvalFile  string
	// OutputRoot holds one directory per run.
	OutputRoot string
	Training   config.TrainingConfig
}

var schedulers = map[string]bool{
	"linear":               true,
	"cosine":               true,
	"cosine_with_restarts": true,
	"polynomial":           true,
	"constant":             true,
	"constant_with_warmup": true,
}

// BuildRequest validates in and assembles the sidecar payload. Every
// failure is a configuration error; nothing is contacted here.
func BuildRequest(in Inputs) (Request, error) {
	if in.Handle == nil {
		return Request{}, faults.Config("model", "no model handle")
	}
	if strings.TrimSpace(in.RunName) == "" {
		return Request{}, faults.Config("training.run_name", "required")
	}
	if in.Template == nil {
		return Request{}, faults.Config("template.kind", "no template selected")
	}
	if err := checkTraining(in.Training); err != nil {
		return Request{}, err
	}
	if in.TrainFile == "" {
		return Request{}, faults.Config("dataset", "no train file")
	}

	coll := CollatorConfig{Kind: CollatorLanguageModel, IgnoreIndex: collator.IgnoreIndex}
	if marker, ok := prompt.ResponseMarker(in.Template); ok {
		if strings.TrimSpace(marker) == "" {
			return Request{}, faults.Config("template.response_marker", "required when template kind is special")
		}
		if len(in.MarkerIDs) == 0 {
			return Request{}, faults.Config("template.response_marker", "marker has no token ids")
		}
		coll = CollatorConfig{
			Kind:                CollatorCompletionOnly,
			ResponseTemplate:    marker,
			ResponseTemplateIDs: append([]int(nil), in.MarkerIDs...),
			IgnoreIndex:         collator.IgnoreIndex,
		}
	}

	h := in.Handle
	nameOrPath := h.Model.Path
	if nameOrPath == "" {
		nameOrPath = h.Model.ID
	}
	t := in.Training
	req := Request{
		RunName: in.RunName,
		Model:   ModelConfig{NameOrPath: nameOrPath, Family: h.Model.Family, Format: h.Model.Format},
		Lora:    h.Lora,
		Training: TrainingArguments{
			OutputDir:                 filepath.Join(in.OutputRoot, in.RunName),
			NumTrainEpochs:            t.Epochs,
			PerDeviceTrainBatchSize:   t.BatchSize,
			GradientAccumulationSteps: t.GradAccumSteps,
			LearningRate:              t.LearningRate,
			LRSchedulerType:           t.Scheduler,
			WarmupRatio:               t.WarmupRatio,
			WeightDecay:               t.WeightDecay,
			MaxGradNorm:               t.MaxGradNorm,
			Optim:                     t.Optimizer,
			LoggingSteps:              t.LoggingSteps,
			SaveSteps:                 t.SaveSteps,
			MaxSeqLength:              t.MaxSeqLen,
		},
		Dataset:  DatasetConfig{TrainFile: in.TrainFile, EvalFile: in.EvalFile, TextField: "text"},
		Collator: coll,
	}
	if h.Quant.Enabled() {
		req.Quantization = &QuantizationConfig{
			LoadIn4Bit:   h.Quant.Bits == 4,
			LoadIn8Bit:   h.Quant.Bits == 8,
			ComputeDtype: h.Quant.ComputeDtype,
			QuantType:    h.Quant.QuantType,
			DoubleQuant:  h.Quant.DoubleQuant,
		}
		req.Training.BF16 = h.Quant.ComputeDtype == "bfloat16"
		req.Training.FP16 = h.Quant.ComputeDtype == "float16"
	}
	return req, nil
}

func checkTraining(t config.TrainingConfig) error {
	switch {
	case t.Epochs <= 0:
		return faults.Configf("training.epochs", "must be positive (got %d)", t.Epochs)
	case t.BatchSize <= 0:
		return faults.Configf("training.batch_size", "must be positive (got %d)", t.BatchSize)
	case t.GradAccumSteps <= 0:
		return faults.Configf("training.grad_accum_steps", "must be positive (got %d)", t.GradAccumSteps)
	case t.LearningRate <= 0:
		return faults.Configf("training.learning_rate", "must be positive (got %g)", t.LearningRate)
	case t.WarmupRatio < 0 || t.WarmupRatio >= 1:
		return faults.Configf("training.warmup_ratio", "must be in [0,1) (got %g)", t.WarmupRatio)
	case !schedulers[t.Scheduler]:
		return faults.Configf("training.scheduler", "unknown scheduler %q", t.Scheduler)
	case t.MaxSeqLen <= 0:
		return faults.Configf("training.max_seq_len", "must be positive (got %d)", t.MaxSeqLen)
	}
	return nil
}
