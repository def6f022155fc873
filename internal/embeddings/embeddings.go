package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrQueueFull is returned when the work queue has no room for another request.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("embedding service is closed")

// Provider turns text into a vector. Implementations talk to the model server.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	ctx     context.Context
	Content string
	Result  chan<- Result
}

// Options tunes the service
type Options struct {
	Workers   int
	QueueSize int
	// Cache keeps successful embeddings keyed by the exact input text.
	Cache bool
	// RequestsPerSecond limits provider calls when positive.
	RequestsPerSecond float64
}

// Service manages embedding generation and caching
type Service struct {
	provider   Provider
	numWorkers int
	workQueue  chan Work
	cacheOn    bool
	cache      sync.Map // Thread-safe map for caching embeddings
	limiter    *rate.Limiter
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewService creates a new embedding service with the specified number of workers
func NewService(provider Provider, opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4 // Default to 4 workers if not specified
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	s := &Service{
		provider:   provider,
		numWorkers: opts.Workers,
		workQueue:  make(chan Work, opts.QueueSize),
		cacheOn:    opts.Cache,
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	s.startWorkers()
	return s
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				embedding, err := s.generate(work.ctx, work.Content)
				work.Result <- Result{
					Content:   work.Content,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

func (s *Service) generate(ctx context.Context, content string) ([]float32, error) {
	// The caller may have given up while the item sat in the queue.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached, ok := s.lookup(content); ok {
		return cached, nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	embedding, err := s.provider.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if s.cacheOn {
		s.cache.Store(content, embedding)
	}
	return embedding, nil
}

func (s *Service) lookup(content string) ([]float32, bool) {
	if !s.cacheOn {
		return nil, false
	}
	cached, ok := s.cache.Load(content)
	if !ok {
		return nil, false
	}
	embedding, valid := cached.([]float32)
	return embedding, valid
}

// GetEmbedding requests an embedding generation asynchronously
func (s *Service) GetEmbedding(ctx context.Context, content string) <-chan Result {
	resultChan := make(chan Result, 1)

	if cached, ok := s.lookup(content); ok {
		resultChan <- Result{Content: content, Embedding: cached}
		return resultChan
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		resultChan <- Result{Content: content, Error: ErrClosed}
		return resultChan
	}

	// Check if we're already at capacity
	select {
	case s.workQueue <- Work{ctx: ctx, Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
	}
	return resultChan
}

// Embed blocks until the embedding for text is ready or ctx is done.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(ctx, text):
		if res.Error != nil {
			return nil, fmt.Errorf("embed query: %w", res.Error)
		}
		return res.Embedding, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.workQueue)
	}
	s.mu.Unlock()
	s.wg.Wait() // Wait for all workers to finish
}
