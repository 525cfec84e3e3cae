package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/features"
	"github.com/icstlab/icst/pkg/pipeline"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func errorEnvelope(code int, desc string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":        code,
		"name":        http.StatusText(code),
		"description": desc,
	}}
}

func TestClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req pipeline.SamplesRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if !assert.Len(t, req.Samples, 1) {
			return
		}

		writeJSON(t, w, http.StatusOK, map[string]any{"data": pipeline.Classification{
			Samples: []pipeline.SampleCall{{SampleID: req.Samples[0].ID, Prediction: "WNT"}},
			Version: "v1",
		}})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	res, err := c.Classify(context.Background(), &pipeline.SamplesRequest{
		Samples: []features.RawSample{{ID: "S1", Features: map[string]any{"G1": 1.0}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", res.Version)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, "WNT", res.Samples[0].Prediction)
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apperr.Kind
		wantDesc string
	}{
		{"bad request", 400, `{"error":{"code":400,"name":"Bad Request","description":"samples is required"}}`, apperr.MalformedInput, "samples is required"},
		{"too large", 413, `{"error":{"code":413,"name":"Request Entity Too Large","description":"too many"}}`, apperr.TooLarge, "too many"},
		{"unavailable", 503, `{"error":{"code":503,"description":"artifacts are not loaded"}}`, apperr.Unavailable, "artifacts are not loaded"},
		{"plain text", 502, "bad gateway", apperr.InternalFailure, "bad gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).Probabilities(context.Background(), &pipeline.SamplesRequest{})
			require.Error(t, err)

			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Contains(t, err.Error(), tt.wantDesc)
		})
	}
}

func TestSubmitAnalyseAndWait(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyse", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("samples")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)

		assert.Equal(t, "m.csv", header.Filename)
		assert.Equal(t, "gene,S1\nG1,1\n", string(content))
		assert.Equal(t, "0.8", r.FormValue("qcThreshold"))
		assert.Equal(t, ";", r.FormValue("delimiter"))

		writeJSON(t, w, http.StatusAccepted, Submission{JobID: "job-1", ResultURL: "/results/analyse/job-1"})
	})
	mux.HandleFunc("GET /results/analyse/job-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			writeJSON(t, w, http.StatusCreated, map[string]string{"status": "PENDING"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"data": map[string]any{"filename": "m.csv"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	threshold := 0.8
	sub, err := c.SubmitAnalyse(context.Background(), "m.csv", strings.NewReader("gene,S1\nG1,1\n"), AnalyseOptions{
		Delimiter:   ";",
		QCThreshold: &threshold,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", sub.JobID)

	data, err := c.Wait(context.Background(), "analyse", sub.JobID, time.Millisecond)
	require.NoError(t, err)
	assert.JSONEq(t, `{"filename":"m.csv"}`, string(data))
	assert.Equal(t, int32(3), polls.Load())
}

func TestWait_FailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, errorEnvelope(400, "none of the submitted feature names match the 3 accepted features"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Wait(context.Background(), "analyse", "job-2", time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.MalformedInput))
	assert.Contains(t, err.Error(), "none of the submitted feature names match")
}

func TestWait_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]string{"status": "PENDING"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).Wait(ctx, "confidence", "job-3", 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/confidence", r.URL.Path)
		var req pipeline.ConfidenceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 90.0, req.Interval)
		writeJSON(t, w, http.StatusAccepted, Submission{JobID: "c-1"})
	}))
	defer srv.Close()

	sub, err := New(srv.URL).SubmitConfidence(context.Background(), &pipeline.ConfidenceRequest{Interval: 90})
	require.NoError(t, err)
	assert.Equal(t, "c-1", sub.JobID)
}

func TestGeneList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"data": map[string]any{
			"results": []string{"G1", "G2", "G3"},
			"version": "v1",
		}})
	}))
	defer srv.Close()

	names, err := New(srv.URL).GeneList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"G1", "G2", "G3"}, names)
}

func TestAdminCallsSendToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			writeJSON(t, w, http.StatusUnauthorized, errorEnvelope(401, "missing or invalid bearer token"))
			return
		}
		switch r.URL.Path {
		case "/genelist":
			var body struct {
				GeneList []string `json:"geneList"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, []string{"A", "B"}, body.GeneList)
			writeJSON(t, w, http.StatusOK, map[string]any{"data": map[string]string{"message": "success"}})
		case "/admin/reload":
			writeJSON(t, w, http.StatusOK, map[string]any{"data": map[string]string{"version": "v2"}})
		}
	}))
	defer srv.Close()

	err := New(srv.URL).ReplaceGeneList(context.Background(), []string{"A", "B"})
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	c := New(srv.URL, WithToken("secret"))
	require.NoError(t, c.ReplaceGeneList(context.Background(), []string{"A", "B"}))

	version, err := c.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", version)
}
