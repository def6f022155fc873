package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bdougie/framesearch/internal/export"
	"github.com/bdougie/framesearch/internal/layout"
	"github.com/bdougie/framesearch/internal/metrics"
	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/query"
	"github.com/bdougie/framesearch/internal/scope"
)

// SearchRequest is the body shared by every search endpoint.
type SearchRequest struct {
	Query          string   `json:"query"`
	TopK           int      `json:"top_k"`
	ScoreThreshold *float64 `json:"score_threshold"`
}

func (r SearchRequest) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query must not be empty")
	}
	if r.TopK < 0 || r.TopK > MaxTopK {
		return fmt.Errorf("top_k must be between 0 and %d", MaxTopK)
	}
	return nil
}

type ExcludeGroupsRequest struct {
	SearchRequest
	ExcludeGroups []int `json:"exclude_groups"`
}

type SelectedGroupsVideosRequest struct {
	SearchRequest
	IncludeGroups []int `json:"include_groups"`
	IncludeVideos []int `json:"include_videos"`
}

type RangeRequest struct {
	SearchRequest
	Ranges []scope.Range `json:"ranges"`
}

type ExcludeIDsRequest struct {
	SearchRequest
	ExcludeIDs []models.Key `json:"exclude_ids"`
}

// KeyframeResult is one ranked keyframe in a response.
type KeyframeResult struct {
	Key             models.Key `json:"key"`
	GroupNum        int        `json:"group_num"`
	VideoNum        int        `json:"video_num"`
	KeyframeNum     int        `json:"keyframe_num"`
	VideoID         string     `json:"video_id"`
	Path            string     `json:"path"`
	ConfidenceScore float64    `json:"confidence_score"`
}

// SearchResponse is returned by every search endpoint.
type SearchResponse struct {
	Query   string           `json:"query"`
	Count   int              `json:"count"`
	Results []KeyframeResult `json:"results"`
}

func (s *Server) searchText(c echo.Context) error {
	var req SearchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ScoreThreshold == nil {
		req.ScoreThreshold = query.Threshold(s.textThreshold)
	}
	return s.run(c, export.ModeText, req, scope.None())
}

func (s *Server) searchExcludeGroups(c echo.Context) error {
	var req ExcludeGroupsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.run(c, export.ModeExclude, req.SearchRequest, scope.ExcludingGroups(req.ExcludeGroups))
}

func (s *Server) searchSelected(c echo.Context) error {
	var req SelectedGroupsVideosRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.run(c, export.ModeSelected, req.SearchRequest, scope.Include(req.IncludeGroups, req.IncludeVideos))
}

func (s *Server) searchRange(c echo.Context) error {
	var req RangeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Ranges) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ranges must not be empty")
	}
	return s.run(c, export.ModeRange, req.SearchRequest, scope.InRanges(req.Ranges...))
}

func (s *Server) searchExcludeIDs(c echo.Context) error {
	var req ExcludeIDsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return s.run(c, export.ModeExcludeKeys, req.SearchRequest, scope.ExcludingKeys(req.ExcludeIDs))
}

type validator interface {
	validate() error
}

// bind decodes the body into req and validates the shared search fields.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	if v, ok := req.(validator); ok {
		if err := v.validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return nil
}

func (s *Server) run(c echo.Context, mode export.Mode, req SearchRequest, constraint scope.Constraint) error {
	ctx := c.Request().Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.searcher.Query(ctx, query.Request{
		Text:           req.Query,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Scope:          constraint,
	})
	s.observe(mode, time.Since(start), resp, err)
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error()).SetInternal(err)
	}

	s.logger.Debug("query complete",
		"mode", mode,
		"results", len(resp.Results),
		"candidates", resp.Stats.Candidates,
		"excluded", resp.Stats.Excluded,
		"join_misses", resp.Stats.JoinMisses,
		"elapsed", time.Since(start),
	)
	s.export(mode, req, resp)

	return c.JSON(http.StatusOK, s.render(resp))
}

func (s *Server) observe(mode export.Mode, elapsed time.Duration, resp *query.Response, err error) {
	if s.metrics == nil {
		return
	}
	o := metrics.QueryObservation{Mode: string(mode), Status: statusLabel(err), Latency: elapsed}
	if resp != nil {
		o.Candidates = resp.Stats.Candidates
		o.Results = len(resp.Results)
		o.JoinMisses = resp.Stats.JoinMisses
	}
	s.metrics.ObserveQuery(o)
}

// export writes the audit file. Failures are logged and never fail the request.
func (s *Server) export(mode export.Mode, req SearchRequest, resp *query.Response) {
	if s.exporter == nil {
		return
	}
	path, err := s.exporter.Write(mode, req.Query, req.TopK, req.ScoreThreshold, resp.Results)
	if err != nil {
		s.logger.Error("failed to export results", "mode", mode, "error", err)
		if s.metrics != nil {
			s.metrics.ExportFailed()
		}
		return
	}
	s.logger.Info("saved results", "path", path, "results", len(resp.Results))
}

func (s *Server) render(resp *query.Response) SearchResponse {
	out := SearchResponse{
		Query:   resp.Query,
		Count:   len(resp.Results),
		Results: make([]KeyframeResult, 0, len(resp.Results)),
	}
	for _, r := range resp.Results {
		path, _ := s.dataset.FramePath(r.Coordinate)
		out.Results = append(out.Results, KeyframeResult{
			Key:             r.Key,
			GroupNum:        r.Coordinate.Group,
			VideoNum:        r.Coordinate.Video,
			KeyframeNum:     r.Coordinate.Frame,
			VideoID:         layout.VideoID(r.Coordinate.Group, r.Coordinate.Video),
			Path:            path,
			ConfidenceScore: r.Score,
		})
	}
	return out
}
