package faults

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError(t *testing.T) {
	err := Config("template.response_marker", "required when template kind is special")
	require.True(t, IsConfig(err))
	assert.Equal(t, "template.response_marker", ConfigField(err))
	assert.Contains(t, err.Error(), "required when template kind is special")

	wrapped := fmt.Errorf("load: %w", err)
	assert.True(t, IsConfig(wrapped))
	assert.False(t, IsResource(wrapped))
}

func TestClassifyPromotesOOM(t *testing.T) {
	cause := errors.New("CUDA error: out of memory")
	err := Classify("inference", "llama-3-8b", cause)
	require.True(t, IsResource(err))

	var re *ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "inference", re.Stage)
	assert.Equal(t, "llama-3-8b", re.ModelID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "inference", StageOf(err))
}

func TestClassifyPassesCollaboratorErrors(t *testing.T) {
	err := Classify("dataset", "", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsResource(err))
	assert.False(t, IsConfig(err))
	assert.Equal(t, "dataset", StageOf(err))

	again := Classify("training", "", err)
	assert.Equal(t, "dataset", StageOf(again))
}

func TestClassifyKeepsConfig(t *testing.T) {
	cfg := Config("lora.rank", "must be positive")
	assert.Same(t, cfg, Classify("adaptation", "m", cfg))
	assert.Nil(t, Classify("x", "m", nil))
}

func TestDependencyUnavailable(t *testing.T) {
	err := fmt.Errorf("start: %w", DependencyUnavailable("llama backend not built"))
	assert.True(t, IsDependencyUnavailable(err))
	assert.False(t, IsDependencyUnavailable(io.EOF))
}
