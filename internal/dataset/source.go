package dataset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Source yields the raw examples of one dataset split.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]Example, error)
}

// HubOptions configures access to hub-hosted datasets.
type HubOptions struct {
	BaseURL string
	Split   string
	Token   string
	// Limit stops paging once this many rows are fetched; zero fetches all.
	Limit int
}

// Open picks a Source for id: a local .json/.jsonl file, or a hub dataset
// id of the form "org/name". Failures to find the data surface when the
// source is loaded, as errors from the file system or the hub.
func Open(id string, hub HubOptions) (Source, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("empty dataset id")
	}
	switch strings.ToLower(filepath.Ext(id)) {
	case ".jsonl", ".json":
		return &LocalSource{Path: id}, nil
	}
	if strings.Count(id, "/") >= 1 && !strings.HasPrefix(id, "/") && !strings.HasPrefix(id, ".") {
		return NewHubSource(id, hub), nil
	}
	return nil, fmt.Errorf("unrecognized dataset id %q: want a .json/.jsonl path or an org/name hub id", id)
}
