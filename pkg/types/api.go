package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Raw prompt text. Takes precedence over Instruction.
	// example: ### Question: What is LoRA?\n ### Answer:
	Prompt string `json:"prompt,omitempty" example:"### Question: What is LoRA?\n ### Answer:"`
	// Instruction formatted through the active prompt template when Prompt is empty.
	// example: What is LoRA?
	Instruction string `json:"instruction,omitempty" example:"What is LoRA?"`
	// Optional input/context for Instruction.
	Input string `json:"input,omitempty"`
	// Maximum number of new tokens to generate.
	// example: 64
	MaxNewTokens int `json:"max_new_tokens,omitempty" example:"64"`
	// Sampling temperature; 0 selects greedy decoding.
	// example: 0
	Temperature *float64 `json:"temperature,omitempty" example:"0"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Random seed for sampled decoding.
	// example: 42
	Seed int64 `json:"seed,omitempty" example:"42"`
}

// GenerateResponse is returned by POST /generate.
type GenerateResponse struct {
	// Newly generated text; never includes the prompt.
	// example: A low-rank adapter.
	Text string `json:"text" example:"A low-rank adapter."`
	// Model that served the request.
	// example: Llama-2-7b-hf+run-42
	Model string `json:"model" example:"Llama-2-7b-hf+run-42"`
	// Number of newly generated tokens.
	// example: 6
	Tokens int `json:"tokens" example:"6"`
	// Wall time spent generating.
	// example: 412
	DurationMS int64 `json:"duration_ms" example:"412"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available base models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Pipeline stage the error is attributed to, when known.
	// example: inference
	Stage string `json:"stage,omitempty" example:"inference"`
	// Model involved in a resource error, when known.
	// example: Llama-2-7b-hf
	Model string `json:"model,omitempty" example:"Llama-2-7b-hf"`
}

// StageSummary describes one finished pipeline stage.
type StageSummary struct {
	// example: training
	Name string `json:"name" example:"training"`
	// ok or error.
	// example: ok
	Outcome string `json:"outcome" example:"ok"`
	// example: 93211
	DurationMS int64 `json:"duration_ms" example:"93211"`
	Error      string `json:"error,omitempty"`
}

// RunSummary is one row of GET /runs.
type RunSummary struct {
	// example: 0f8c6c1e-3a57-4bb8-9d1c-0ad4c1d7f2e1
	ID string `json:"id" example:"0f8c6c1e-3a57-4bb8-9d1c-0ad4c1d7f2e1"`
	// example: dolly-llama2-r8
	Name string `json:"name" example:"dolly-llama2-r8"`
	// example: meta-llama/Llama-2-7b-hf
	BaseModel string `json:"base_model" example:"meta-llama/Llama-2-7b-hf"`
	// example: databricks/databricks-dolly-15k
	Dataset string `json:"dataset" example:"databricks/databricks-dolly-15k"`
	// running, succeeded or failed.
	// example: succeeded
	Status     string         `json:"status" example:"succeeded"`
	AdapterURI string         `json:"adapter_uri,omitempty"`
	MergedPath string         `json:"merged_path,omitempty"`
	Sample     string         `json:"sample,omitempty"`
	StartedAt  int64          `json:"started_at_unix"`
	FinishedAt int64          `json:"finished_at_unix,omitempty"`
	Stages     []StageSummary `json:"stages,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Model currently loaded for generation.
	// example: Llama-2-7b-hf+run-42
	Model string `json:"model" example:"Llama-2-7b-hf+run-42"`
	// Backend serving generations: reference, sidecar, llama or serving.
	// example: sidecar
	Backend string `json:"backend" example:"sidecar"`
	// Whether the served model has its adapter merged.
	Merged bool `json:"merged"`
	// Active prompt template kind.
	// example: special
	Template string `json:"template" example:"special"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Total generations served.
	// example: 12
	Generations uint64 `json:"generations" example:"12"`
}
