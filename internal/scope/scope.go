// Package scope turns inclusion and exclusion intents into the concrete set of keys a
// similarity search must skip.
package scope

import (
	"context"
	"fmt"
	"sort"

	"github.com/bdougie/framesearch/internal/idmap"
	"github.com/bdougie/framesearch/internal/models"
)

// Kind selects which constraint style is active. Exactly one style applies per call.
type Kind int

const (
	KindNone Kind = iota
	KindInclude
	KindExcludeGroups
	KindRanges
	KindExcludeKeys
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInclude:
		return "include"
	case KindExcludeGroups:
		return "exclude_groups"
	case KindRanges:
		return "ranges"
	case KindExcludeKeys:
		return "exclude_keys"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Range is an inclusive [Start, End] span of keys.
type Range struct {
	Start models.Key `json:"start"`
	End   models.Key `json:"end"`
}

// Constraint is a scope request. Build it with one of the constructors.
type Constraint struct {
	Kind          Kind
	Groups        []int
	Videos        []int
	ExcludeGroups []int
	Ranges        []Range
	ExcludeKeys   []models.Key
}

// None searches the whole corpus.
func None() Constraint { return Constraint{Kind: KindNone} }

// Include keeps only keyframes whose group is in groups and whose video is in videos.
// An empty list does not restrict its dimension.
func Include(groups, videos []int) Constraint {
	return Constraint{Kind: KindInclude, Groups: groups, Videos: videos}
}

// ExcludingGroups drops every keyframe of the given groups.
func ExcludingGroups(groups []int) Constraint {
	return Constraint{Kind: KindExcludeGroups, ExcludeGroups: groups}
}

// InRanges keeps only keys inside the union of ranges.
func InRanges(ranges ...Range) Constraint {
	return Constraint{Kind: KindRanges, Ranges: ranges}
}

// ExcludingKeys drops the given keys.
func ExcludingKeys(keys []models.Key) Constraint {
	return Constraint{Kind: KindExcludeKeys, ExcludeKeys: keys}
}

// Validate checks that only the fields of the active style are set.
func (c Constraint) Validate() error {
	inc := len(c.Groups) > 0 || len(c.Videos) > 0
	set := map[Kind]bool{
		KindInclude:       inc,
		KindExcludeGroups: len(c.ExcludeGroups) > 0,
		KindRanges:        len(c.Ranges) > 0,
		KindExcludeKeys:   len(c.ExcludeKeys) > 0,
	}
	for k, used := range set {
		if used && k != c.Kind {
			return fmt.Errorf("scope: %s fields set on a %s constraint", k, c.Kind)
		}
	}
	switch c.Kind {
	case KindNone, KindInclude, KindExcludeGroups, KindExcludeKeys:
	case KindRanges:
		if len(c.Ranges) == 0 {
			return fmt.Errorf("scope: ranges constraint needs at least one range")
		}
		for _, r := range c.Ranges {
			if r.Start < 0 || r.End < r.Start {
				return fmt.Errorf("scope: invalid range [%d, %d]", r.Start, r.End)
			}
		}
	default:
		return fmt.Errorf("scope: unknown constraint kind %d", int(c.Kind))
	}
	return nil
}

// ExclusionSet is a materialized set of keys to omit from a search.
type ExclusionSet map[models.Key]struct{}

// Contains reports whether k is excluded
func (s ExclusionSet) Contains(k models.Key) bool {
	_, ok := s[k]
	return ok
}

// Len returns the number of excluded keys.
func (s ExclusionSet) Len() int { return len(s) }

// Sorted returns the keys in ascending order.
func (s ExclusionSet) Sorted() []models.Key {
	out := make([]models.Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyLister lists every key known to the vector index.
type KeyLister interface {
	AllKeys(ctx context.Context) ([]models.Key, error)
}

// Resolver computes exclusion sets against a loaded mapping.
type Resolver struct {
	mapping *idmap.Mapping
	index   KeyLister
}

// NewResolver creates a resolver. index is only consulted for range constraints and may be nil
// if those are never used.
func NewResolver(mapping *idmap.Mapping, index KeyLister) *Resolver {
	return &Resolver{mapping: mapping, index: index}
}

// Resolve returns the exclusion set for c.
func (r *Resolver) Resolve(ctx context.Context, c Constraint) (ExclusionSet, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Kind {
	case KindNone:
		return ExclusionSet{}, nil
	case KindInclude:
		return r.include(c.Groups, c.Videos), nil
	case KindExcludeGroups:
		groups := toSet(c.ExcludeGroups)
		return r.collect(func(co models.Coordinate) bool {
			return groups.has(co.Group)
		}), nil
	case KindRanges:
		return r.ranges(ctx, c.Ranges)
	case KindExcludeKeys:
		set := make(ExclusionSet, len(c.ExcludeKeys))
		for _, k := range c.ExcludeKeys {
			set[k] = struct{}{}
		}
		return set, nil
	}
	return nil, fmt.Errorf("scope: unknown constraint kind %d", int(c.Kind))
}

// includeRule decides whether a coordinate is excluded under an include constraint.
// A nil rule means nothing is excluded.
type includeRule func(c models.Coordinate, groups, videos intSet) bool

// includeRules is keyed on (groups given, videos given). "Given" means a non-empty list.
// The both-given row excludes a key failing either test, so a key is kept only when it
// satisfies both lists.
var includeRules = map[[2]bool]includeRule{
	{false, false}: nil,
	{true, false}: func(c models.Coordinate, groups, _ intSet) bool {
		return !groups.has(c.Group)
	},
	{false, true}: func(c models.Coordinate, _, videos intSet) bool {
		return !videos.has(c.Video)
	},
	{true, true}: func(c models.Coordinate, groups, videos intSet) bool {
		return !groups.has(c.Group) || !videos.has(c.Video)
	},
}

func (r *Resolver) include(groups, videos []int) ExclusionSet {
	rule := includeRules[[2]bool{len(groups) > 0, len(videos) > 0}]
	if rule == nil {
		return ExclusionSet{}
	}
	gs, vs := toSet(groups), toSet(videos)
	return r.collect(func(c models.Coordinate) bool {
		return rule(c, gs, vs)
	})
}

func (r *Resolver) ranges(ctx context.Context, ranges []Range) (ExclusionSet, error) {
	if r.index == nil {
		return nil, fmt.Errorf("scope: range constraints need a key lister")
	}
	all, err := r.index.AllKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("scope: list index keys: %w", err)
	}
	set := make(ExclusionSet)
	for _, k := range all {
		if !inAny(k, ranges) {
			set[k] = struct{}{}
		}
	}
	return set, nil
}

func (r *Resolver) collect(excluded func(models.Coordinate) bool) ExclusionSet {
	set := make(ExclusionSet)
	r.mapping.Each(func(k models.Key, c models.Coordinate) {
		if excluded(c) {
			set[k] = struct{}{}
		}
	})
	return set
}

func inAny(k models.Key, ranges []Range) bool {
	for _, r := range ranges {
		if k >= r.Start && k <= r.End {
			return true
		}
	}
	return false
}

type intSet map[int]struct{}

func toSet(values []int) intSet {
	s := make(intSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

func (s intSet) has(v int) bool {
	_, ok := s[v]
	return ok
}
