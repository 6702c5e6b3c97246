package config

// Config is the complete, immutable description of one pipeline run.
// It is resolved once (file, then environment, then flags), validated, and
// handed to each stage by value.
type Config struct {
	Model      ModelConfig      `json:"model" yaml:"model" toml:"model" envPrefix:"MODEL_"`
	Dataset    DatasetConfig    `json:"dataset" yaml:"dataset" toml:"dataset" envPrefix:"DATASET_"`
	Lora       LoraConfig       `json:"lora" yaml:"lora" toml:"lora" envPrefix:"LORA_"`
	Quant      QuantConfig      `json:"quantization" yaml:"quantization" toml:"quantization" envPrefix:"QUANT_"`
	Training   TrainingConfig   `json:"training" yaml:"training" toml:"training" envPrefix:"TRAINING_"`
	Template   TemplateConfig   `json:"template" yaml:"template" toml:"template" envPrefix:"TEMPLATE_"`
	Generation GenerationConfig `json:"generation" yaml:"generation" toml:"generation" envPrefix:"GENERATION_"`
	Serving    ServingConfig    `json:"serving" yaml:"serving" toml:"serving" envPrefix:"SERVING_"`
	Artifacts  ArtifactConfig   `json:"artifacts" yaml:"artifacts" toml:"artifacts" envPrefix:"ARTIFACTS_"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime" toml:"runtime" envPrefix:"RUNTIME_"`
	HTTP       HTTPConfig       `json:"http" yaml:"http" toml:"http" envPrefix:"HTTP_"`
}

// ModelConfig names the base model. ID is a directory or *.gguf under
// Runtime.ModelsDir, or a hub id such as "meta-llama/Llama-2-7b-hf".
type ModelConfig struct {
	ID string `json:"id" yaml:"id" toml:"id" env:"ID" validate:"required"`
	// Family overrides architecture detection (llama, mistral, falcon, gpt2, ...).
	Family    string `json:"family" yaml:"family" toml:"family" env:"FAMILY"`
	Tokenizer string `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer" env:"TOKENIZER"`
}

type DatasetConfig struct {
	ID       string  `json:"id" yaml:"id" toml:"id" env:"ID" validate:"required"`
	Split    string  `json:"split" yaml:"split" toml:"split" env:"SPLIT"`
	Fraction float64 `json:"fraction" yaml:"fraction" toml:"fraction" env:"FRACTION" validate:"gt=0,lt=1"`
	Seed     uint64  `json:"seed" yaml:"seed" toml:"seed" env:"SEED"`
	Shuffle  bool    `json:"shuffle" yaml:"shuffle" toml:"shuffle" env:"SHUFFLE"`
	Limit    int     `json:"limit" yaml:"limit" toml:"limit" env:"LIMIT" validate:"gte=0"`
	HubURL   string  `json:"hub_url" yaml:"hub_url" toml:"hub_url" env:"HUB_URL"`
	HubToken string  `json:"-" yaml:"hub_token" toml:"hub_token" env:"HUB_TOKEN"`
}

type LoraConfig struct {
	Rank int `json:"rank" yaml:"rank" toml:"rank" env:"RANK" validate:"gt=0"`
	// Alpha of zero means 2 x Rank.
	Alpha         float64  `json:"alpha" yaml:"alpha" toml:"alpha" env:"ALPHA" validate:"gte=0"`
	Dropout       float64  `json:"dropout" yaml:"dropout" toml:"dropout" env:"DROPOUT" validate:"gte=0,lt=1"`
	TargetModules []string `json:"target_modules" yaml:"target_modules" toml:"target_modules" env:"TARGET_MODULES"`
	Bias          string   `json:"bias" yaml:"bias" toml:"bias" env:"BIAS" validate:"oneof=none all lora_only"`
}

type QuantConfig struct {
	// Bits is 0 (disabled), 4 or 8. ComputeDtype is required when enabled and
	// QuantType only at 4 bits.
	Bits         int    `json:"bits" yaml:"bits" toml:"bits" env:"BITS" validate:"oneof=0 4 8"`
	ComputeDtype string `json:"compute_dtype" yaml:"compute_dtype" toml:"compute_dtype" env:"COMPUTE_DTYPE" validate:"omitempty,oneof=float16 bfloat16 float32"`
	QuantType    string `json:"quant_type" yaml:"quant_type" toml:"quant_type" env:"QUANT_TYPE" validate:"omitempty,oneof=nf4 fp4"`
	DoubleQuant  bool   `json:"double_quant" yaml:"double_quant" toml:"double_quant" env:"DOUBLE_QUANT"`
}

type TrainingConfig struct {
	RunName        string  `json:"run_name" yaml:"run_name" toml:"run_name" env:"RUN_NAME"`
	Epochs         int     `json:"epochs" yaml:"epochs" toml:"epochs" env:"EPOCHS" validate:"gt=0"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size" toml:"batch_size" env:"BATCH_SIZE" validate:"gt=0"`
	GradAccumSteps int     `json:"grad_accum_steps" yaml:"grad_accum_steps" toml:"grad_accum_steps" env:"GRAD_ACCUM_STEPS" validate:"gt=0"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate" env:"LEARNING_RATE" validate:"gt=0"`
	Scheduler      string  `json:"scheduler" yaml:"scheduler" toml:"scheduler" env:"SCHEDULER" validate:"oneof=linear cosine cosine_with_restarts polynomial constant constant_with_warmup"`
	WarmupRatio    float64 `json:"warmup_ratio" yaml:"warmup_ratio" toml:"warmup_ratio" env:"WARMUP_RATIO" validate:"gte=0,lt=1"`
	WeightDecay    float64 `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay" env:"WEIGHT_DECAY" validate:"gte=0"`
	MaxGradNorm    float64 `json:"max_grad_norm" yaml:"max_grad_norm" toml:"max_grad_norm" env:"MAX_GRAD_NORM" validate:"gte=0"`
	MaxSeqLen      int     `json:"max_seq_len" yaml:"max_seq_len" toml:"max_seq_len" env:"MAX_SEQ_LEN" validate:"gt=0"`
	Optimizer      string  `json:"optimizer" yaml:"optimizer" toml:"optimizer" env:"OPTIMIZER"`
	LoggingSteps   int     `json:"logging_steps" yaml:"logging_steps" toml:"logging_steps" env:"LOGGING_STEPS" validate:"gte=0"`
	SaveSteps      int     `json:"save_steps" yaml:"save_steps" toml:"save_steps" env:"SAVE_STEPS" validate:"gte=0"`
	PollIntervalMS int     `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms" env:"POLL_INTERVAL_MS" validate:"gte=0"`
}

// TemplateConfig selects the prompt format. Kind "special" uses the
// delimiter format and masks loss before ResponseMarker; "normal" uses a
// role-based chat format.
type TemplateConfig struct {
	Kind              string `json:"kind" yaml:"kind" toml:"kind" env:"KIND" validate:"oneof=special normal"`
	InstructionPrefix string `json:"instruction_prefix" yaml:"instruction_prefix" toml:"instruction_prefix" env:"INSTRUCTION_PREFIX"`
	ResponseMarker    string `json:"response_marker" yaml:"response_marker" toml:"response_marker" env:"RESPONSE_MARKER"`
	System            string `json:"system" yaml:"system" toml:"system" env:"SYSTEM"`
	ChatFormat        string `json:"chat_format" yaml:"chat_format" toml:"chat_format" env:"CHAT_FORMAT" validate:"oneof=chatml llama3 zephyr"`
}

type GenerationConfig struct {
	MaxNewTokens int      `json:"max_new_tokens" yaml:"max_new_tokens" toml:"max_new_tokens" env:"MAX_NEW_TOKENS" validate:"gt=0"`
	Temperature  float64  `json:"temperature" yaml:"temperature" toml:"temperature" env:"TEMPERATURE" validate:"gte=0"`
	TopP         float64  `json:"top_p" yaml:"top_p" toml:"top_p" env:"TOP_P" validate:"gte=0,lte=1"`
	TopK         int      `json:"top_k" yaml:"top_k" toml:"top_k" env:"TOP_K" validate:"gte=0"`
	Seed         int64    `json:"seed" yaml:"seed" toml:"seed" env:"SEED"`
	Stop         []string `json:"stop" yaml:"stop" toml:"stop" env:"STOP"`
	// SamplePrompt is the instruction generated for after training.
	SamplePrompt string `json:"sample_prompt" yaml:"sample_prompt" toml:"sample_prompt" env:"SAMPLE_PROMPT"`
}

type ServingConfig struct {
	Enabled              bool     `json:"enabled" yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Bin                  string   `json:"bin" yaml:"bin" toml:"bin" env:"BIN"`
	BaseURL              string   `json:"base_url" yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	APIKey               string   `json:"-" yaml:"api_key" toml:"api_key" env:"API_KEY"`
	Host                 string   `json:"host" yaml:"host" toml:"host" env:"HOST"`
	Port                 int      `json:"port" yaml:"port" toml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	GPUMemoryUtilization float64  `json:"gpu_memory_utilization" yaml:"gpu_memory_utilization" toml:"gpu_memory_utilization" env:"GPU_MEMORY_UTILIZATION" validate:"gt=0,lte=1"`
	MaxModelLen          int      `json:"max_model_len" yaml:"max_model_len" toml:"max_model_len" env:"MAX_MODEL_LEN" validate:"gte=0"`
	TensorParallelSize   int      `json:"tensor_parallel_size" yaml:"tensor_parallel_size" toml:"tensor_parallel_size" env:"TENSOR_PARALLEL_SIZE" validate:"gte=1"`
	ReadyTimeoutSec      int      `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec" env:"READY_TIMEOUT_SEC" validate:"gte=0"`
	ExtraArgs            []string `json:"extra_args" yaml:"extra_args" toml:"extra_args" env:"EXTRA_ARGS"`
}

type ArtifactConfig struct {
	Store           string `json:"store" yaml:"store" toml:"store" env:"STORE" validate:"oneof=local s3"`
	Dir             string `json:"dir" yaml:"dir" toml:"dir" env:"DIR"`
	Bucket          string `json:"bucket" yaml:"bucket" toml:"bucket" env:"BUCKET"`
	Prefix          string `json:"prefix" yaml:"prefix" toml:"prefix" env:"PREFIX"`
	Endpoint        string `json:"endpoint" yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Region          string `json:"region" yaml:"region" toml:"region" env:"REGION"`
	AccessKeyID     string `json:"-" yaml:"access_key_id" toml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `json:"-" yaml:"secret_access_key" toml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

type RuntimeConfig struct {
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir" env:"MODELS_DIR"`
	WorkDir   string `json:"work_dir" yaml:"work_dir" toml:"work_dir" env:"WORK_DIR" validate:"required"`
	// Backend runs inference: reference, sidecar or llama.
	Backend     string   `json:"backend" yaml:"backend" toml:"backend" env:"BACKEND" validate:"oneof=reference sidecar llama"`
	TrainerURL  string   `json:"trainer_url" yaml:"trainer_url" toml:"trainer_url" env:"TRAINER_URL"`
	TrainerBin  string   `json:"trainer_bin" yaml:"trainer_bin" toml:"trainer_bin" env:"TRAINER_BIN"`
	TrainerArgs []string `json:"trainer_args" yaml:"trainer_args" toml:"trainer_args" env:"TRAINER_ARGS"`
	// ExportLoraBin merges GGUF adapters for the llama backend.
	ExportLoraBin   string `json:"export_lora_bin" yaml:"export_lora_bin" toml:"export_lora_bin" env:"EXPORT_LORA_BIN"`
	LlamaCtxSize    int    `json:"llama_ctx_size" yaml:"llama_ctx_size" toml:"llama_ctx_size" env:"LLAMA_CTX_SIZE" validate:"gte=0"`
	LlamaThreads    int    `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads" env:"LLAMA_THREADS" validate:"gte=0"`
	LlamaGPULayers  int    `json:"llama_gpu_layers" yaml:"llama_gpu_layers" toml:"llama_gpu_layers" env:"LLAMA_GPU_LAYERS" validate:"gte=0"`
	Merge           bool   `json:"merge" yaml:"merge" toml:"merge" env:"MERGE"`
	LedgerPath      string `json:"ledger_path" yaml:"ledger_path" toml:"ledger_path" env:"LEDGER_PATH"`
	MetricsTextfile string `json:"metrics_textfile" yaml:"metrics_textfile" toml:"metrics_textfile" env:"METRICS_TEXTFILE"`
}

type HTTPConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr" env:"ADDR"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes" env:"MAX_BODY_BYTES" validate:"gte=0"`
	TimeoutSec   int      `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec" env:"TIMEOUT_SEC" validate:"gte=0"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" env:"CORS_ORIGINS"`
}

// Default returns the configuration used when a field is left unset.
// Model.ID and Dataset.ID have no default.
func Default() Config {
	return Config{
		Dataset: DatasetConfig{
			Split:    "train",
			Fraction: 0.95,
			Seed:     19,
			Shuffle:  true,
			HubURL:   "https://datasets-server.huggingface.co",
		},
		Lora: LoraConfig{
			Rank:    8,
			Dropout: 0.05,
			Bias:    "none",
		},
		Quant: QuantConfig{
			Bits:         4,
			ComputeDtype: "bfloat16",
			QuantType:    "nf4",
		},
		Training: TrainingConfig{
			Epochs:         1,
			BatchSize:      4,
			GradAccumSteps: 1,
			LearningRate:   2e-4,
			Scheduler:      "cosine",
			WarmupRatio:    0.03,
			WeightDecay:    0.001,
			MaxGradNorm:    0.3,
			MaxSeqLen:      512,
			Optimizer:      "paged_adamw_32bit",
			LoggingSteps:   25,
			PollIntervalMS: 2000,
		},
		Template: TemplateConfig{
			Kind:              "special",
			InstructionPrefix: "### Question: ",
			ResponseMarker:    " ### Answer:",
			ChatFormat:        "chatml",
		},
		Generation: GenerationConfig{
			MaxNewTokens: 128,
			TopP:         1,
		},
		Serving: ServingConfig{
			Bin:                  "vllm",
			Host:                 "127.0.0.1",
			GPUMemoryUtilization: 0.9,
			TensorParallelSize:   1,
			ReadyTimeoutSec:      600,
		},
		Artifacts: ArtifactConfig{
			Store: "local",
			Dir:   "~/.ftpipe/adapters",
		},
		Runtime: RuntimeConfig{
			ModelsDir:     "~/models",
			WorkDir:       "./runs",
			Backend:       "sidecar",
			TrainerURL:    "http://127.0.0.1:8000",
			ExportLoraBin: "llama-export-lora",
			LlamaCtxSize:  2048,
			Merge:         true,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
		},
	}
}
