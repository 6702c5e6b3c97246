package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultHubURL   = "https://datasets-server.huggingface.co"
	hubPageSize     = 100
	hubRetryCount   = 2
	hubRetryBackoff = 500 * time.Millisecond
)

// HubSource pages through a hub dataset split via the datasets-server rows API.
type HubSource struct {
	Dataset string
	Config  string
	Split   string
	// Limit caps the number of rows fetched; zero fetches everything.
	Limit  int
	client *resty.Client
}

// NewHubSource builds a source for dataset ("org/name"). A suffix of the
// form "org/name:config" selects a dataset config other than "default".
func NewHubSource(dataset string, opts HubOptions) *HubSource {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultHubURL
	}
	split := opts.Split
	if split == "" {
		split = "train"
	}
	cfgName := "default"
	if name, c, ok := strings.Cut(dataset, ":"); ok {
		dataset, cfgName = name, c
	}
	client := resty.New().
		SetBaseURL(base).
		SetRetryCount(hubRetryCount).
		SetRetryWaitTime(hubRetryBackoff).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}
	return &HubSource{Dataset: dataset, Config: cfgName, Split: split, Limit: opts.Limit, client: client}
}

func (s *HubSource) Name() string { return s.Dataset + "/" + s.Split }

type rowsResponse struct {
	Rows []struct {
		RowIdx int            `json:"row_idx"`
		Row    map[string]any `json:"row"`
	} `json:"rows"`
	NumRowsTotal int `json:"num_rows_total"`
}

type hubError struct {
	Error string `json:"error"`
}

func (s *HubSource) Load(ctx context.Context) ([]Example, error) {
	var out []Example
	offset := 0
	for {
		length := hubPageSize
		if s.Limit > 0 && s.Limit-offset < length {
			length = s.Limit - offset
		}
		if length <= 0 {
			break
		}
		res, err := s.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"dataset": s.Dataset,
				"config":  s.Config,
				"split":   s.Split,
				"offset":  fmt.Sprint(offset),
				"length":  fmt.Sprint(length),
			}).
			Get("/rows")
		if err != nil {
			return nil, fmt.Errorf("fetch %s rows at offset %d: %w", s.Dataset, offset, err)
		}
		if !res.IsSuccess() {
			var he hubError
			msg := res.String()
			if json.Unmarshal(res.Body(), &he) == nil && he.Error != "" {
				msg = he.Error
			}
			return nil, fmt.Errorf("dataset %s: hub returned %d: %s", s.Dataset, res.StatusCode(), msg)
		}
		var page rowsResponse
		if err := json.Unmarshal(res.Body(), &page); err != nil {
			return nil, fmt.Errorf("decode %s rows: %w", s.Dataset, err)
		}
		for _, r := range page.Rows {
			out = append(out, FromRecord(r.Row))
		}
		offset += len(page.Rows)
		if len(page.Rows) == 0 || offset >= page.NumRowsTotal {
			break
		}
	}
	return out, nil
}
