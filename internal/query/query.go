// Package query turns a text query and a scope into a ranked list of keyframes.
//
// A query runs embed, resolve scope, search, threshold filter, stable sort, metadata
// join and truncate, in that order. Any failing stage aborts the query with an *Error
// naming the stage; a candidate with no metadata record is dropped, not reported.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/scope"
)

// DefaultTopK is used when a request asks for zero or fewer results.
const DefaultTopK = 10

// DefaultTextThreshold is the score threshold SearchText applies.
const DefaultTextThreshold = 0.5

// Stage identifies the step of a query that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageEmbed    Stage = "embed"
	StageScope    Stage = "scope"
	StageSearch   Stage = "search"
	StageMetadata Stage = "metadata"
)

// Error is a fatal query failure
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the failing stage of err, or "" if err is not a query error.
func StageOf(err error) Stage {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Stage
	}
	return ""
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex runs similarity searches.
type VectorIndex interface {
	Search(ctx context.Context, req models.SearchRequest) ([]models.Candidate, error)
}

// MetadataReader looks up keyframe records. Result order is not significant.
type MetadataReader interface {
	GetByKeys(ctx context.Context, keys []models.Key) ([]models.Record, error)
}

// ScopeResolver computes the keys a search must skip.
type ScopeResolver interface {
	Resolve(ctx context.Context, c scope.Constraint) (scope.ExclusionSet, error)
}

// Request is one query.
type Request struct {
	Text string
	// Embedding skips the embed stage when set.
	Embedding []float32
	TopK      int
	// ScoreThreshold keeps only candidates scoring strictly above it. Nil keeps everything.
	ScoreThreshold *float64
	Scope          scope.Constraint
}

// Stats describes how a query narrowed its candidates.
type Stats struct {
	Candidates     int `json:"candidates"`
	AboveThreshold int `json:"above_threshold"`
	JoinMisses     int `json:"join_misses"`
	Excluded       int `json:"excluded"`
}

// Response is the ranked result of a query.
type Response struct {
	Query   string                `json:"query"`
	Results []models.RankedResult `json:"results"`
	Stats   Stats                 `json:"stats"`
}

// Service runs queries against injected collaborators. It holds no per-query state.
type Service struct {
	embedder Embedder
	index    VectorIndex
	metadata MetadataReader
	resolver ScopeResolver
	logger   *slog.Logger
	topK     int
	textMin  float64
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger used for per-query diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDefaultTopK overrides DefaultTopK.
func WithDefaultTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithTextThreshold overrides DefaultTextThreshold for SearchText.
func WithTextThreshold(t float64) Option {
	return func(s *Service) { s.textMin = t }
}

// NewService creates a query service.
func NewService(embedder Embedder, index VectorIndex, metadata MetadataReader, resolver ScopeResolver, opts ...Option) *Service {
	s := &Service{
		embedder: embedder,
		index:    index,
		metadata: metadata,
		resolver: resolver,
		logger:   slog.Default(),
		topK:     DefaultTopK,
		textMin:  DefaultTextThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query runs req and returns the ranked results.
func (s *Service) Query(ctx context.Context, req Request) (*Response, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, &Error{Stage: StageValidate, Err: err}
	}

	embedding := req.Embedding
	if len(embedding) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			return nil, &Error{Stage: StageValidate, Err: errors.New("query text is empty")}
		}
		var err error
		embedding, err = s.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, &Error{Stage: StageEmbed, Err: err}
		}
	}

	var exclude []models.Key
	if req.Scope.Kind != scope.KindNone {
		set, err := s.resolver.Resolve(ctx, req.Scope)
		if err != nil {
			return nil, &Error{Stage: StageScope, Err: err}
		}
		exclude = set.Sorted()
	}

	candidates, err := s.index.Search(ctx, models.SearchRequest{
		Embedding: embedding,
		TopK:      topK,
		Exclude:   exclude,
	})
	if err != nil {
		return nil, &Error{Stage: StageSearch, Err: err}
	}

	stats := Stats{Candidates: len(candidates), Excluded: len(exclude)}

	kept := filterAbove(candidates, req.ScoreThreshold)
	stats.AboveThreshold = len(kept)
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })

	records, err := s.lookup(ctx, kept)
	if err != nil {
		return nil, &Error{Stage: StageMetadata, Err: err}
	}

	results := make([]models.RankedResult, 0, min(len(kept), topK))
	seen := make(map[models.Key]struct{}, len(kept))
	for _, c := range kept {
		// A key the index returned twice keeps its best-ranked entry.
		if _, dup := seen[c.Key]; dup {
			continue
		}
		seen[c.Key] = struct{}{}
		rec, ok := records[c.Key]
		if !ok {
			stats.JoinMisses++
			s.logger.Debug("dropping candidate without metadata", "key", c.Key, "score", c.Score)
			continue
		}
		results = append(results, models.RankedResult{
			Key:        c.Key,
			Coordinate: rec.Coordinate(),
			Score:      c.Score,
		})
		if len(results) == topK {
			break
		}
	}

	return &Response{Query: req.Text, Results: results, Stats: stats}, nil
}

// lookup fetches the records for candidates and keys them by Key.
func (s *Service) lookup(ctx context.Context, candidates []models.Candidate) (map[models.Key]models.Record, error) {
	if len(candidates) == 0 {
		return map[models.Key]models.Record{}, nil
	}
	keys := make([]models.Key, len(candidates))
	for i, c := range candidates {
		keys[i] = c.Key
	}
	list, err := s.metadata.GetByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	byKey := make(map[models.Key]models.Record, len(list))
	for _, rec := range list {
		byKey[rec.Key] = rec
	}
	return byKey, nil
}

func filterAbove(candidates []models.Candidate, threshold *float64) []models.Candidate {
	kept := make([]models.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if threshold != nil && !(c.Score > *threshold) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// Threshold returns a pointer to t for use in Request.ScoreThreshold.
func Threshold(t float64) *float64 { return &t }

// SearchText runs an unrestricted query. A nil threshold falls back to the text
// threshold, DefaultTextThreshold unless overridden.
func (s *Service) SearchText(ctx context.Context, text string, topK int, threshold *float64) (*Response, error) {
	if threshold == nil {
		threshold = Threshold(s.textMin)
	}
	return s.Query(ctx, Request{Text: text, TopK: topK, ScoreThreshold: threshold, Scope: scope.None()})
}

// SearchExcludeGroups skips every keyframe of the given groups.
func (s *Service) SearchExcludeGroups(ctx context.Context, text string, topK int, threshold *float64, groups []int) (*Response, error) {
	return s.Query(ctx, Request{Text: text, TopK: topK, ScoreThreshold: threshold, Scope: scope.ExcludingGroups(groups)})
}

// SearchSelected restricts the search to the given groups and videos.
func (s *Service) SearchSelected(ctx context.Context, text string, topK int, threshold *float64, groups, videos []int) (*Response, error) {
	return s.Query(ctx, Request{Text: text, TopK: topK, ScoreThreshold: threshold, Scope: scope.Include(groups, videos)})
}

// SearchRanges restricts the search to keys inside the given ranges.
func (s *Service) SearchRanges(ctx context.Context, text string, topK int, threshold *float64, ranges []scope.Range) (*Response, error) {
	return s.Query(ctx, Request{Text: text, TopK: topK, ScoreThreshold: threshold, Scope: scope.InRanges(ranges...)})
}

// SearchExcludeKeys skips the given keys.
func (s *Service) SearchExcludeKeys(ctx context.Context, text string, topK int, threshold *float64, keys []models.Key) (*Response, error) {
	return s.Query(ctx, Request{Text: text, TopK: topK, ScoreThreshold: threshold, Scope: scope.ExcludingKeys(keys)})
}
