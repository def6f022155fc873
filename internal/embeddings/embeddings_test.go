package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockProvider for testing code that depends on Provider
type MockProvider struct {
	EmbedFn func(context.Context, string) ([]float32, error)
	calls   atomic.Int64
}

func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func TestServiceEmbed(t *testing.T) {
	p := &MockProvider{}
	s := NewService(p, Options{Workers: 2})
	defer s.Close()

	got, err := s.Embed(context.Background(), "a dog on a beach")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, got)
}

func TestServiceCachesByText(t *testing.T) {
	p := &MockProvider{}
	s := NewService(p, Options{Workers: 1, Cache: true})
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Embed(context.Background(), "same text")
		require.NoError(t, err)
	}
	_, err := s.Embed(context.Background(), "other text")
	require.NoError(t, err)

	assert.Equal(t, int64(2), p.calls.Load())
}

func TestServiceWithoutCacheCallsEveryTime(t *testing.T) {
	p := &MockProvider{}
	s := NewService(p, Options{Workers: 1})
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.Embed(context.Background(), "same text")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), p.calls.Load())
}

func TestServicePropagatesProviderErrors(t *testing.T) {
	boom := errors.New("model offline")
	p := &MockProvider{EmbedFn: func(context.Context, string) ([]float32, error) { return nil, boom }}
	s := NewService(p, Options{Workers: 1, Cache: true})
	defer s.Close()

	_, err := s.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}

func TestServiceRejectsEmptyEmbedding(t *testing.T) {
	p := &MockProvider{EmbedFn: func(context.Context, string) ([]float32, error) { return nil, nil }}
	s := NewService(p, Options{Workers: 1})
	defer s.Close()

	_, err := s.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestServiceQueueFull(t *testing.T) {
	release := make(chan struct{})
	p := &MockProvider{EmbedFn: func(ctx context.Context, _ string) ([]float32, error) {
		<-release
		return []float32{1}, nil
	}}
	s := NewService(p, Options{Workers: 1, QueueSize: 1})
	defer s.Close()
	defer close(release)

	// First request occupies the worker, second fills the queue.
	first := s.GetEmbedding(context.Background(), "one")
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	second := s.GetEmbedding(context.Background(), "two")

	res := <-s.GetEmbedding(context.Background(), "three")
	assert.ErrorIs(t, res.Error, ErrQueueFull)

	release <- struct{}{}
	assert.NoError(t, (<-first).Error)
	release <- struct{}{}
	assert.NoError(t, (<-second).Error)
}

func TestServiceEmbedHonoursContext(t *testing.T) {
	p := &MockProvider{EmbedFn: func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := NewService(p, Options{Workers: 1})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Embed(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServiceClosed(t *testing.T) {
	s := NewService(&MockProvider{}, Options{Workers: 1})
	s.Close()
	s.Close()

	_, err := s.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenAIProvider(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel = body.Model

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.5, 0.25}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{BaseURL: srv.URL, Model: "clip-vit-b-32", Dimensions: 2})
	require.NoError(t, err)

	got, err := p.Embed(context.Background(), "a red car")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25}, got)
	assert.Equal(t, "clip-vit-b-32", gotModel)
	assert.Equal(t, "openai/clip-vit-b-32", p.Name())
}

func TestOpenAIProviderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 2, 3}}},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{BaseURL: srv.URL, Model: "m", Dimensions: 512})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "x")
	assert.Error(t, err)
}

func TestNewOpenAIProviderRequiresModel(t *testing.T) {
	_, err := NewOpenAIProvider(Config{})
	assert.Error(t, err)
}
