package types

// Model is a base model known to the registry.
type Model struct {
	// Stable identifier: directory or file name under the models dir, or a hub id.
	// example: Llama-2-7b-hf
	ID string `json:"id" example:"Llama-2-7b-hf"`
	// Absolute path on disk; empty for hub models not yet downloaded.
	// example: /home/user/models/Llama-2-7b-hf
	Path string `json:"path,omitempty" example:"/home/user/models/Llama-2-7b-hf"`
	// Storage layout: hf, gguf or hub.
	// example: hf
	Format string `json:"format" example:"hf"`
	// Architecture family (llama, mistral, falcon, gpt2, ...).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
	// Architectures listed in config.json.
	Architectures []string `json:"architectures,omitempty"`
	// Quantization variant parsed from a GGUF file name.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Module paths read from the safetensors weights, layer indices as "*".
	Modules []string `json:"-"`
}
