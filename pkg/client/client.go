// Package client is a Go client for the icst HTTP API.
//
// Responses are unwrapped from their {"data": ...} envelope. Error
// envelopes are returned as *apperr.Error values whose Kind is derived from
// the HTTP status, so callers can branch with apperr.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/pipeline"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 20

// DefaultPollInterval is the delay between result polls in Wait.
const DefaultPollInterval = time.Second

// Client talks to one icst server.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token sent to admin endpoints.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submission identifies an accepted job.
type Submission struct {
	JobID     string `json:"jobId"`
	ResultURL string `json:"resultURL"`
}

// AnalyseOptions are the optional form fields of an analyse upload.
type AnalyseOptions struct {
	Delimiter   string
	QCThreshold *float64
}

// Classify runs the QC-gated classification of a JSON batch.
func (c *Client) Classify(ctx context.Context, req *pipeline.SamplesRequest) (*pipeline.Classification, error) {
	var out pipeline.Classification
	if err := c.postJSON(ctx, "/classify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probabilities returns the raw class probabilities of a JSON batch.
func (c *Client) Probabilities(ctx context.Context, req *pipeline.SamplesRequest) (*pipeline.Probabilities, error) {
	var out pipeline.Probabilities
	if err := c.postJSON(ctx, "/probability", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfidenceSync computes bootstrap intervals inline.
func (c *Client) ConfidenceSync(ctx context.Context, req *pipeline.ConfidenceRequest) (*pipeline.Confidence, error) {
	var out pipeline.Confidence
	if err := c.postJSON(ctx, "/confidence/sync", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitConfidence starts a confidence job.
func (c *Client) SubmitConfidence(ctx context.Context, req *pipeline.ConfidenceRequest) (*Submission, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/confidence", "application/json", bytes.NewReader(body), false)
	if err != nil {
		return nil, err
	}
	return decodeSubmission(resp)
}

// SubmitAnalyse uploads an expression matrix and starts an analyse job.
func (c *Client) SubmitAnalyse(ctx context.Context, filename string, matrix io.Reader, opts AnalyseOptions) (*Submission, error) {
	fields := map[string]string{}
	if opts.Delimiter != "" {
		fields["delimiter"] = opts.Delimiter
	}
	if opts.QCThreshold != nil {
		fields["qcThreshold"] = strconv.FormatFloat(*opts.QCThreshold, 'f', -1, 64)
	}
	body, contentType, err := multipartBody(filename, matrix, fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/analyse", contentType, body, false)
	if err != nil {
		return nil, err
	}
	return decodeSubmission(resp)
}

// Extract uploads an expression matrix and returns it aligned to the
// accepted features.
func (c *Client) Extract(ctx context.Context, filename string, matrix io.Reader, delimiter string) (*pipeline.Extraction, error) {
	fields := map[string]string{}
	if delimiter != "" {
		fields["delimiter"] = delimiter
	}
	body, contentType, err := multipartBody(filename, matrix, fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/extract", contentType, body, false)
	if err != nil {
		return nil, err
	}
	var out pipeline.Extraction
	if err := decodeData(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result polls a job once. It returns the raw result and done=true once the
// job succeeded, done=false while it is pending, and the job's error once
// it failed.
func (c *Client) Result(ctx context.Context, kind, id string) (data json.RawMessage, done bool, err error) {
	path := "/results/" + url.PathEscape(kind) + "/" + url.PathEscape(id)
	resp, err := c.do(ctx, http.MethodGet, path, "", nil, false)
	if err != nil {
		return nil, false, err
	}
	if resp.status == http.StatusCreated {
		return nil, false, nil
	}
	raw := gjson.GetBytes(resp.body, "data")
	if !raw.Exists() {
		return nil, false, fmt.Errorf("result response has no data field")
	}
	return json.RawMessage(raw.Raw), true, nil
}

// Wait polls a job until it leaves the pending state or ctx ends. A
// non-positive interval selects DefaultPollInterval.
func (c *Client) Wait(ctx context.Context, kind, id string, interval time.Duration) (json.RawMessage, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, done, err := c.Result(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		if done {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s job %s: %w", kind, id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GeneList returns the accepted feature names in canonical order.
func (c *Client) GeneList(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/genelist", "", nil, false)
	if err != nil {
		return nil, err
	}
	results := gjson.GetBytes(resp.body, "data.results")
	if !results.IsArray() {
		return nil, fmt.Errorf("genelist response has no results array")
	}
	names := make([]string, 0, len(results.Array()))
	for _, r := range results.Array() {
		names = append(names, r.String())
	}
	return names, nil
}

// ReplaceGeneList replaces the accepted feature list. It needs a token.
func (c *Client) ReplaceGeneList(ctx context.Context, names []string) error {
	body, err := json.Marshal(map[string][]string{"geneList": names})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = c.do(ctx, http.MethodPut, "/genelist", "application/json", bytes.NewReader(body), true)
	return err
}

// Reload asks the server to reload its artifacts and returns the version
// now being served. It needs a token.
func (c *Client) Reload(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/admin/reload", "", nil, true)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(resp.body, "data.version").String(), nil
}

type response struct {
	status int
	body   []byte
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), false)
	if err != nil {
		return err
	}
	return decodeData(resp, out)
}

// do sends a request and returns the body of any 2xx response. Error
// envelopes become *apperr.Error values.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, admin bool) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if admin && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func decodeError(status int, body []byte) error {
	kind := apperr.KindForStatus(status)
	desc := gjson.GetBytes(body, "error.description")
	if desc.Exists() && desc.String() != "" {
		return apperr.New(kind, "%s", desc.String())
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 256 {
		text = text[:256]
	}
	if text == "" {
		text = http.StatusText(status)
	}
	return apperr.New(kind, "server returned status %d: %s", status, text)
}

func decodeData(resp *response, out any) error {
	raw := gjson.GetBytes(resp.body, "data")
	if !raw.Exists() {
		return fmt.Errorf("response has no data field")
	}
	if err := json.Unmarshal([]byte(raw.Raw), out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func decodeSubmission(resp *response) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if s.JobID == "" {
		return nil, fmt.Errorf("submission response has no jobId")
	}
	return &s, nil
}

func multipartBody(filename string, matrix io.Reader, fields map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("samples", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, matrix); err != nil {
		return nil, "", fmt.Errorf("copy %s: %w", filename, err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
