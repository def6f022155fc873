package query

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/scope"
)

type fakeEmbedder struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

type fakeIndex struct {
	SearchFn func(ctx context.Context, req models.SearchRequest) ([]models.Candidate, error)
	requests []models.SearchRequest
}

func (f *fakeIndex) Search(ctx context.Context, req models.SearchRequest) ([]models.Candidate, error) {
	f.requests = append(f.requests, req)
	if f.SearchFn != nil {
		return f.SearchFn(ctx, req)
	}
	return nil, nil
}

func (f *fakeIndex) AllKeys(context.Context) ([]models.Key, error) {
	return []models.Key{0, 1, 2}, nil
}

type fakeMetadata struct {
	GetByKeysFn func(ctx context.Context, keys []models.Key) ([]models.Record, error)
	calls       int
}

func (f *fakeMetadata) GetByKeys(ctx context.Context, keys []models.Key) ([]models.Record, error) {
	f.calls++
	return f.GetByKeysFn(ctx, keys)
}

type fakeResolver struct {
	ResolveFn func(ctx context.Context, c scope.Constraint) (scope.ExclusionSet, error)
}

func (f *fakeResolver) Resolve(ctx context.Context, c scope.Constraint) (scope.ExclusionSet, error) {
	return f.ResolveFn(ctx, c)
}

// corpus is {0:(1,1,1), 1:(1,1,2), 2:(2,1,1)}.
func corpus(t *testing.T) *idmap.Mapping {
	t.Helper()
	b := idmap.NewBuilder()
	for _, c := range []models.Coordinate{{Group: 1, Video: 1, Frame: 1}, {Group: 1, Video: 1, Frame: 2}, {Group: 2, Video: 1, Frame: 1}} {
		_, err := b.Add(c)
		require.NoError(t, err)
	}
	return b.Build()
}

// storeFor serves records for every key known to m, in reverse request order.
func storeFor(m *idmap.Mapping) *fakeMetadata {
	return &fakeMetadata{GetByKeysFn: func(_ context.Context, keys []models.Key) ([]models.Record, error) {
		var out []models.Record
		for i := len(keys) - 1; i >= 0; i-- {
			c, err := m.CoordinateOf(keys[i])
			if err != nil {
				continue
			}
			out = append(out, models.Record{Key: keys[i], Group: c.Group, Video: c.Video, Frame: c.Frame})
		}
		return out, nil
	}}
}

func returning(candidates ...models.Candidate) *fakeIndex {
	return &fakeIndex{SearchFn: func(context.Context, models.SearchRequest) ([]models.Candidate, error) {
		return append([]models.Candidate(nil), candidates...), nil
	}}
}

func newTestService(t *testing.T, index *fakeIndex) (*Service, *fakeEmbedder, *fakeMetadata) {
	t.Helper()
	m := corpus(t)
	emb := &fakeEmbedder{}
	meta := storeFor(m)
	return NewService(emb, index, meta, scope.NewResolver(m, index)), emb, meta
}

func TestQueryThresholdExample(t *testing.T) {
	index := returning(
		models.Candidate{Key: 2, Score: 0.9},
		models.Candidate{Key: 0, Score: 0.8},
		models.Candidate{Key: 1, Score: 0.3},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{
		Text: "a boat", TopK: 10, ScoreThreshold: Threshold(0.5), Scope: scope.None(),
	})
	require.NoError(t, err)

	assert.Equal(t, []models.RankedResult{
		{Key: 2, Coordinate: models.Coordinate{Group: 2, Video: 1, Frame: 1}, Score: 0.9},
		{Key: 0, Coordinate: models.Coordinate{Group: 1, Video: 1, Frame: 1}, Score: 0.8},
	}, resp.Results)
	assert.Equal(t, Stats{Candidates: 3, AboveThreshold: 2}, resp.Stats)
	assert.Equal(t, "a boat", resp.Query)
}

func TestQueryIncludeGroupPassesExclusionToSearch(t *testing.T) {
	index := returning(models.Candidate{Key: 0, Score: 0.7})
	s, _, _ := newTestService(t, index)

	_, err := s.SearchSelected(context.Background(), "a boat", 10, nil, []int{1}, nil)
	require.NoError(t, err)

	require.Len(t, index.requests, 1)
	assert.Equal(t, []models.Key{2}, index.requests[0].Exclude)
	assert.Equal(t, 10, index.requests[0].TopK)
}

func TestQueryNoScopeSkipsResolver(t *testing.T) {
	index := returning()
	resolver := &fakeResolver{ResolveFn: func(context.Context, scope.Constraint) (scope.ExclusionSet, error) {
		t.Fatal("resolver must not be called without a constraint")
		return nil, nil
	}}
	s := NewService(&fakeEmbedder{}, index, storeFor(corpus(t)), resolver)

	resp, err := s.Query(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	require.Len(t, index.requests, 1)
	assert.Nil(t, index.requests[0].Exclude)
}

func TestQueryThresholdIsStrict(t *testing.T) {
	index := returning(
		models.Candidate{Key: 0, Score: 0.5},
		models.Candidate{Key: 1, Score: 0.5000001},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{Text: "x", ScoreThreshold: Threshold(0.5)})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.Key(1), resp.Results[0].Key)
}

func TestQueryNilThresholdKeepsEverything(t *testing.T) {
	index := returning(
		models.Candidate{Key: 0, Score: -3},
		models.Candidate{Key: 1, Score: 0},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, models.Key(1), resp.Results[0].Key)
}

func TestQueryStableSortKeepsIndexTieOrder(t *testing.T) {
	index := returning(
		models.Candidate{Key: 1, Score: 0.7},
		models.Candidate{Key: 2, Score: 0.9},
		models.Candidate{Key: 0, Score: 0.7},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []models.Key{2, 1, 0}, resultKeys(resp))
}

func TestQueryOrderIgnoresStoreOrder(t *testing.T) {
	index := returning(
		models.Candidate{Key: 0, Score: 0.9},
		models.Candidate{Key: 1, Score: 0.8},
		models.Candidate{Key: 2, Score: 0.7},
	)
	s, _, meta := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.calls)
	assert.Equal(t, []models.Key{0, 1, 2}, resultKeys(resp))
}

func TestQueryDropsJoinMisses(t *testing.T) {
	index := returning(
		models.Candidate{Key: 99, Score: 0.95},
		models.Candidate{Key: 0, Score: 0.9},
		models.Candidate{Key: 1, Score: 0.8},
		models.Candidate{Key: 2, Score: 0.7},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.Query(context.Background(), Request{Text: "x", TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, []models.Key{0, 1}, resultKeys(resp))
	assert.Equal(t, 1, resp.Stats.JoinMisses)
}

func TestQueryDefaultTopK(t *testing.T) {
	index := returning()
	s, _, _ := newTestService(t, index)

	_, err := s.Query(context.Background(), Request{Text: "x", TopK: 0})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, index.requests[0].TopK)

	s = NewService(&fakeEmbedder{}, index, storeFor(corpus(t)), nil, WithDefaultTopK(25))
	_, err = s.Query(context.Background(), Request{Text: "x", TopK: -1})
	require.NoError(t, err)
	assert.Equal(t, 25, index.requests[1].TopK)
}

func TestQuerySuppliedEmbeddingSkipsEmbedder(t *testing.T) {
	index := returning()
	s, emb, _ := newTestService(t, index)

	_, err := s.Query(context.Background(), Request{Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)
	assert.Equal(t, 0, emb.calls)
	assert.Equal(t, []float32{0, 1, 0}, index.requests[0].Embedding)
}

func TestQueryNoCandidatesSkipsMetadata(t *testing.T) {
	index := returning(models.Candidate{Key: 0, Score: 0.1})
	s, _, meta := newTestService(t, index)

	resp, err := s.SearchText(context.Background(), "x", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.Equal(t, 0, meta.calls)
}

func TestQueryFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(t *testing.T) (*Service, Request)
		stage Stage
	}{
		{
			name: "empty text",
			setup: func(t *testing.T) (*Service, Request) {
				s, _, _ := newTestService(t, returning())
				return s, Request{Text: "  "}
			},
			stage: StageValidate,
		},
		{
			name: "mixed scope",
			setup: func(t *testing.T) (*Service, Request) {
				s, _, _ := newTestService(t, returning())
				c := scope.Include([]int{1}, nil)
				c.ExcludeKeys = []models.Key{3}
				return s, Request{Text: "x", Scope: c}
			},
			stage: StageValidate,
		},
		{
			name: "embedding",
			setup: func(t *testing.T) (*Service, Request) {
				emb := &fakeEmbedder{EmbedFn: func(context.Context, string) ([]float32, error) { return nil, boom }}
				return NewService(emb, returning(), storeFor(corpus(t)), nil), Request{Text: "x"}
			},
			stage: StageEmbed,
		},
		{
			name: "scope",
			setup: func(t *testing.T) (*Service, Request) {
				res := &fakeResolver{ResolveFn: func(context.Context, scope.Constraint) (scope.ExclusionSet, error) { return nil, boom }}
				return NewService(&fakeEmbedder{}, returning(), storeFor(corpus(t)), res),
					Request{Text: "x", Scope: scope.ExcludingGroups([]int{1})}
			},
			stage: StageScope,
		},
		{
			name: "search",
			setup: func(t *testing.T) (*Service, Request) {
				index := &fakeIndex{SearchFn: func(context.Context, models.SearchRequest) ([]models.Candidate, error) { return nil, boom }}
				s, _, _ := newTestService(t, index)
				return s, Request{Text: "x"}
			},
			stage: StageSearch,
		},
		{
			name: "metadata",
			setup: func(t *testing.T) (*Service, Request) {
				meta := &fakeMetadata{GetByKeysFn: func(context.Context, []models.Key) ([]models.Record, error) { return nil, boom }}
				return NewService(&fakeEmbedder{}, returning(models.Candidate{Key: 0, Score: 1}), meta, nil), Request{Text: "x"}
			},
			stage: StageMetadata,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, req := tt.setup(t)
			resp, err := s.Query(context.Background(), req)
			require.Error(t, err)
			assert.Nil(t, resp)
			assert.Equal(t, tt.stage, StageOf(err))
			if tt.stage != StageValidate {
				assert.ErrorIs(t, err, boom)
			}
		})
	}
}

func TestQueryEmbedFailureStopsBeforeSearch(t *testing.T) {
	index := returning()
	emb := &fakeEmbedder{EmbedFn: func(context.Context, string) ([]float32, error) {
		return nil, context.DeadlineExceeded
	}}
	s := NewService(emb, index, storeFor(corpus(t)), nil)

	_, err := s.Query(context.Background(), Request{Text: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, index.requests)
}

func TestQueryMappingMissSurfacesThroughError(t *testing.T) {
	res := &fakeResolver{ResolveFn: func(context.Context, scope.Constraint) (scope.ExclusionSet, error) {
		return nil, errors.Join(errors.New("resolve"), idmap.ErrNotFound)
	}}
	s := NewService(&fakeEmbedder{}, returning(), storeFor(corpus(t)), res)

	_, err := s.SearchExcludeKeys(context.Background(), "x", 5, nil, []models.Key{7})
	assert.ErrorIs(t, err, idmap.ErrNotFound)
	assert.Equal(t, StageScope, StageOf(err))
}

func TestQueryRanges(t *testing.T) {
	index := returning(models.Candidate{Key: 1, Score: 0.9})
	s, _, _ := newTestService(t, index)

	resp, err := s.SearchRanges(context.Background(), "x", 5, nil, []scope.Range{{Start: 1, End: 1}})
	require.NoError(t, err)
	assert.Equal(t, []models.Key{0, 2}, index.requests[0].Exclude)
	assert.Equal(t, 2, resp.Stats.Excluded)
	assert.Equal(t, []models.Key{1}, resultKeys(resp))
}

func TestQueryExcludeGroups(t *testing.T) {
	index := returning()
	s, _, _ := newTestService(t, index)

	_, err := s.SearchExcludeGroups(context.Background(), "x", 5, nil, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []models.Key{0, 1}, index.requests[0].Exclude)
}

func TestSearchTextDefaultThreshold(t *testing.T) {
	index := returning(
		models.Candidate{Key: 0, Score: 0.5},
		models.Candidate{Key: 1, Score: 0.6},
	)
	s, _, _ := newTestService(t, index)

	resp, err := s.SearchText(context.Background(), "x", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Key{1}, resultKeys(resp))

	resp, err = s.SearchText(context.Background(), "x", 5, Threshold(0.1))
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	s = NewService(&fakeEmbedder{}, index, storeFor(corpus(t)), nil, WithTextThreshold(0.55))
	resp, err = s.SearchText(context.Background(), "x", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []models.Key{1}, resultKeys(resp))
}

// Random candidate lists must always yield results above threshold in stable
// descending order, never more than top_k or the number of distinct joined records.
func TestQueryInvariantsHoldForRandomCandidates(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	m := corpus(t)

	for round := 0; round < 200; round++ {
		n := rng.IntN(12)
		candidates := make([]models.Candidate, n)
		for i := range candidates {
			// Keys 0..4 where 3 and 4 have no record; scores on a coarse grid to force ties.
			candidates[i] = models.Candidate{Key: models.Key(rng.IntN(5)), Score: float64(rng.IntN(5)) / 4}
		}
		topK := 1 + rng.IntN(6)
		threshold := float64(rng.IntN(5)) / 4

		s := NewService(&fakeEmbedder{}, returning(candidates...), storeFor(m), nil)
		resp, err := s.Query(context.Background(), Request{Text: "x", TopK: topK, ScoreThreshold: Threshold(threshold)})
		require.NoError(t, err)

		// Expected: stable sort of the candidates above threshold, first occurrence of each
		// joinable key.
		var above []models.Candidate
		for _, c := range candidates {
			if c.Score > threshold {
				above = append(above, c)
			}
		}
		stableSortDesc(above)
		var want []models.Candidate
		seen := map[models.Key]bool{}
		for _, c := range above {
			if seen[c.Key] || c.Key >= 3 {
				continue
			}
			seen[c.Key] = true
			want = append(want, c)
		}

		assert.LessOrEqual(t, len(resp.Results), topK)
		assert.LessOrEqual(t, len(resp.Results), m.Len())
		assert.Equal(t, min(topK, len(want)), len(resp.Results))
		for i, r := range resp.Results {
			assert.Greater(t, r.Score, threshold)
			assert.Equal(t, want[i].Key, r.Key)
			assert.Equal(t, want[i].Score, r.Score)
		}
	}
}

func stableSortDesc(cs []models.Candidate) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].Score > cs[j-1].Score; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func resultKeys(resp *Response) []models.Key {
	keys := make([]models.Key, len(resp.Results))
	for i, r := range resp.Results {
		keys[i] = r.Key
	}
	return keys
}
