// Package artifact persists adapter weights between training and inference.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ftpipe/internal/config"
	"ftpipe/internal/faults"
)

// AdapterConfigFile is the PEFT metadata file written next to the weights.
const AdapterConfigFile = "adapter_config.json"

// Adapter is a trained adapter: a local directory plus where it is stored.
type Adapter struct {
	RunName string
	Dir     string
	URI     string
}

// AdapterConfig is the subset of adapter_config.json the pipeline reads.
type AdapterConfig struct {
	BaseModel     string   `json:"base_model_name_or_path"`
	PeftType      string   `json:"peft_type"`
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	TaskType      string   `json:"task_type"`
}

// Config reads the adapter's adapter_config.json.
func (a Adapter) Config() (AdapterConfig, error) {
	return ReadAdapterConfig(a.Dir)
}

func ReadAdapterConfig(dir string) (AdapterConfig, error) {
	var ac AdapterConfig
	b, err := os.ReadFile(filepath.Join(dir, AdapterConfigFile))
	if err != nil {
		return ac, err
	}
	if err := json.Unmarshal(b, &ac); err != nil {
		return ac, fmt.Errorf("parse %s: %w", filepath.Join(dir, AdapterConfigFile), err)
	}
	return ac, nil
}

// Store keeps adapters by run name.
type Store interface {
	// Save copies the adapter in dir under runName and returns its URI.
	Save(ctx context.Context, runName, dir string) (string, error)
	// Load materializes runName's adapter into dest.
	Load(ctx context.Context, runName, dest string) error
}

// New builds the store selected by c.
func New(c config.ArtifactConfig) (Store, error) {
	switch c.Store {
	case "", "local":
		return NewLocalStore(c.Dir)
	case "s3":
		if c.Bucket == "" {
			return nil, faults.Config("artifacts.bucket", "required for the s3 store")
		}
		return NewS3Store(S3Config{
			Endpoint:        c.Endpoint,
			Region:          c.Region,
			Bucket:          c.Bucket,
			Prefix:          c.Prefix,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
		})
	default:
		return nil, faults.Configf("artifacts.store", "unknown store %q", c.Store)
	}
}

func checkRunName(runName string) error {
	if runName == "" || strings.ContainsAny(runName, `/\`) || runName == "." || runName == ".." {
		return faults.Configf("training.run_name", "invalid run name %q", runName)
	}
	return nil
}
