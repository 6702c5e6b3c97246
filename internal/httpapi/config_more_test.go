package httpapi

import (
	"testing"

	"ftpipe/internal/config"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 1<<20 {
		t.Fatalf("expected default 1MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetGenerateTimeoutSeconds_NormalizesNegativeToZero(t *testing.T) {
	defer SetGenerateTimeoutSeconds(0)
	SetGenerateTimeoutSeconds(-5)
	if generateTimeout != 0 {
		t.Fatalf("expected 0, got %d", generateTimeout)
	}
	SetGenerateTimeoutSeconds(3)
	if generateTimeout != 3 {
		t.Fatalf("expected 3, got %d", generateTimeout)
	}
}

func TestConfigure(t *testing.T) {
	defer Configure(config.HTTPConfig{})
	Configure(config.HTTPConfig{MaxBodyBytes: 2048, TimeoutSec: 7, CORSOrigins: []string{"http://localhost:3000"}})
	if maxBodyBytes != 2048 || generateTimeout != 7 {
		t.Fatalf("limits not applied: body=%d timeout=%d", maxBodyBytes, generateTimeout)
	}
	if !corsEnabled || len(corsAllowedOrigins) != 1 {
		t.Fatalf("cors not enabled: %v %v", corsEnabled, corsAllowedOrigins)
	}
	Configure(config.HTTPConfig{})
	if corsEnabled {
		t.Fatal("cors should be disabled without origins")
	}
}
