package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultProbabilitiesPath is the gjson path of the probability matrix in a
// model server response.
const DefaultProbabilitiesPath = "probabilities"

// RemoteModel delegates scoring to an external HTTP model server.
//
// The server receives POST {"model": name, "instances": [[...], ...]} and
// must answer 200 with a JSON document holding one probability vector per
// instance at ProbabilitiesPath.
type RemoteModel struct {
	endpoint          string
	name              string
	width             int
	classes           int
	probabilitiesPath string
	client            *http.Client
}

type remoteRequest struct {
	Model     string      `json:"model"`
	Instances [][]float64 `json:"instances"`
}

// RemoteOptions configures a RemoteModel.
type RemoteOptions struct {
	Name              string
	Width             int
	Classes           int
	ProbabilitiesPath string
	Timeout           time.Duration
	Client            *http.Client
}

// NewRemoteModel creates a model that calls endpoint for every batch.
func NewRemoteModel(endpoint string, opts RemoteOptions) (*RemoteModel, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("remote: endpoint is required")
	}
	if opts.Width <= 0 || opts.Classes < 2 {
		return nil, fmt.Errorf("remote: width (%d) and classes (%d) must be declared", opts.Width, opts.Classes)
	}
	if opts.Name == "" {
		opts.Name = "remote"
	}
	if opts.ProbabilitiesPath == "" {
		opts.ProbabilitiesPath = DefaultProbabilitiesPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		}
	}

	return &RemoteModel{
		endpoint:          endpoint,
		name:              opts.Name,
		width:             opts.Width,
		classes:           opts.Classes,
		probabilitiesPath: opts.ProbabilitiesPath,
		client:            client,
	}, nil
}

// Name returns the model identifier.
func (m *RemoteModel) Name() string { return m.name }

// Width returns the declared number of input features.
func (m *RemoteModel) Width() int { return m.width }

// Classes returns the declared number of output classes.
func (m *RemoteModel) Classes() int { return m.classes }

// PredictProba sends x to the model server and parses the returned matrix.
func (m *RemoteModel) PredictProba(ctx context.Context, x [][]float64) ([][]float64, error) {
	if len(x) == 0 {
		return [][]float64{}, nil
	}

	body, err := json.Marshal(remoteRequest{Model: m.name, Instances: x})
	if err != nil {
		return nil, fmt.Errorf("remote: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("remote: http %d: %s", resp.StatusCode, string(b))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("remote: response is not valid JSON")
	}

	matrix := gjson.GetBytes(data, m.probabilitiesPath)
	if !matrix.IsArray() {
		return nil, fmt.Errorf("remote: no probability matrix at %q", m.probabilitiesPath)
	}

	rows := matrix.Array()
	if len(rows) != len(x) {
		return nil, fmt.Errorf("remote: expected %d probability rows, got %d", len(x), len(rows))
	}

	out := make([][]float64, len(rows))
	for i, row := range rows {
		if !row.IsArray() {
			return nil, fmt.Errorf("remote: row %d is not an array", i)
		}
		vals := row.Array()
		p := make([]float64, len(vals))
		for j, v := range vals {
			if v.Type != gjson.Number {
				return nil, fmt.Errorf("remote: row %d class %d is not a number", i, j)
			}
			p[j] = v.Float()
		}
		out[i] = p
	}
	return out, nil
}
