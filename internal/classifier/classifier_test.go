package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completionServer(t *testing.T, category string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, category)
	}))
}

func TestClassify(t *testing.T) {
	srv := completionServer(t, "Marketing", nil)
	defer srv.Close()

	client := NewHTTPClient(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
	}, testLogger())

	category, err := client.Classify(context.Background(), "50% off everything this weekend")
	require.NoError(t, err)
	assert.Equal(t, "Marketing", category)
}

func TestClassifySendsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Work"}}]}`)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
		APIKey:   "secret",
	}, testLogger())

	category, err := client.Classify(context.Background(), "quarterly report attached")
	require.NoError(t, err)
	assert.Equal(t, "Work", category)
}

func TestClassifyFallsBackToSecondary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	var secondaryCalls atomic.Int32
	secondary := completionServer(t, "Receipts", &secondaryCalls)
	defer secondary.Close()

	client := NewHTTPClient(Config{
		Endpoint:          primary.URL,
		SecondaryEndpoint: secondary.URL,
		Model:             "test-model",
	}, testLogger())

	category, err := client.Classify(context.Background(), "your order has shipped")
	require.NoError(t, err)
	assert.Equal(t, "Receipts", category)
	assert.Equal(t, int32(1), secondaryCalls.Load())
}

func TestClassifyBothEndpointsDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	client := NewHTTPClient(Config{
		Endpoint:          down.URL,
		SecondaryEndpoint: down.URL,
		Model:             "test-model",
	}, testLogger())

	_, err := client.Classify(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassifyNoEndpoint(t *testing.T) {
	client := NewHTTPClient(Config{Model: "test-model"}, testLogger())

	_, err := client.Classify(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClassifyEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	client := NewHTTPClient(Config{Endpoint: srv.URL, Model: "test-model"}, testLogger())

	_, err := client.Classify(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNormalizeCategory(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Marketing", "Marketing"},
		{"marketing", "Marketing"},
		{"  Work  ", "Work"},
		{`"Financial"`, "Financial"},
		{"'Receipts'.", "Receipts"},
		{"Category: Travel", "Travel"},
		{"The category is: Social", "Social"},
		{"wants-money", "Wants-Money"},
		{"something the model made up", CategoryOther},
		{"", CategoryOther},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeCategory(tc.raw))
		})
	}
}
