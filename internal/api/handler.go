package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"ratemytip/internal/domain"
	"ratemytip/internal/jobs"
	"ratemytip/internal/queue"
	"ratemytip/internal/storage"
)

// Reviewer moves a pending tip to ACTIVE or REJECTED.
type Reviewer interface {
	Review(ctx context.Context, tipID string, approved bool) (*domain.Tip, error)
}

// SnapshotReader reads a creator's daily score history.
type SnapshotReader interface {
	History(ctx context.Context, creatorID string, from, to time.Time) ([]*domain.ScoreSnapshot, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options for creating a Handler.
type Options struct {
	Tips      storage.TipStore
	Scores    storage.ScoreRepository
	Snapshots SnapshotReader
	Reviewer  Reviewer
	Jobs      queue.Publisher
	Logger    zerolog.Logger
	Health    map[string]HealthCheck
	NewID     func() string
	Now       func() time.Time
}

// Handler serves the /v1 routes.
type Handler struct {
	tips      storage.TipStore
	scores    storage.ScoreRepository
	snapshots SnapshotReader
	reviewer  Reviewer
	jobs      queue.Publisher
	log       zerolog.Logger
	health    map[string]HealthCheck
	newID     func() string
	now       func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		tips:      opts.Tips,
		scores:    opts.Scores,
		snapshots: opts.Snapshots,
		reviewer:  opts.Reviewer,
		jobs:      opts.Jobs,
		log:       opts.Logger.With().Str("component", "api").Logger(),
		health:    opts.Health,
		newID:     opts.NewID,
		now:       opts.Now,
	}
	if h.newID == nil {
		h.newID = uuid.NewString
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// RegisterRoutes mounts the handler on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/v1")
	g.POST("/tips", h.CreateTip)
	g.GET("/tips/:id", h.GetTip)
	g.POST("/tips/:id/review", h.ReviewTip)
	g.POST("/jobs/:job", h.TriggerJob)
	g.GET("/creators/:id/score", h.GetScore)
	g.GET("/creators/:id/snapshots", h.GetSnapshots)
	g.GET("/leaderboard", h.Leaderboard)
}

// Health runs every registered check.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	status := http.StatusOK
	for _, name := range names {
		if err := h.health[name](ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	return DataResponse(c, status, checks)
}

type createTipRequest struct {
	ID           string     `json:"id" validate:"omitempty,max=64"`
	CreatorID    string     `json:"creator_id" validate:"required,max=64"`
	InstrumentID string     `json:"instrument_id" validate:"required,max=64"`
	Direction    string     `json:"direction" validate:"required,oneof=LONG SHORT"`
	EntryPrice   float64    `json:"entry_price" validate:"gt=0"`
	Target1      float64    `json:"target_1" validate:"gt=0"`
	Target2      *float64   `json:"target_2" validate:"omitempty,gt=0"`
	Target3      *float64   `json:"target_3" validate:"omitempty,gt=0"`
	StopLoss     float64    `json:"stop_loss" validate:"gt=0"`
	Timeframe    string     `json:"timeframe" default:"SWING" validate:"oneof=INTRADAY SWING POSITIONAL LONG_TERM"`
	PostedAt     *time.Time `json:"posted_at"`
}

// CreateTip stores a new PENDING_REVIEW tip.
func (h *Handler) CreateTip(c echo.Context) error {
	req := &createTipRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	id := req.ID
	if id == "" {
		id = h.newID()
	}
	postedAt := h.now()
	if req.PostedAt != nil {
		postedAt = *req.PostedAt
	}
	call := domain.Call{
		Direction:  domain.Direction(req.Direction),
		EntryPrice: req.EntryPrice,
		Target1:    req.Target1,
		Target2:    req.Target2,
		Target3:    req.Target3,
		StopLoss:   req.StopLoss,
	}

	tip, err := domain.NewTip(id, req.CreatorID, req.InstrumentID, call, domain.Timeframe(req.Timeframe), postedAt)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.tips.Insert(c.Request().Context(), tip); err != nil {
		return errorResponse(c, err)
	}
	h.log.Info().Str("tip_id", tip.ID).Str("creator_id", tip.CreatorID).Msg("tip created")
	return createdResponse(c, newTipView(tip))
}

type tipIDRequest struct {
	ID string `param:"id" validate:"required"`
}

// GetTip returns a tip with its current outcome.
func (h *Handler) GetTip(c echo.Context) error {
	req := &tipIDRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}
	tip, err := h.tips.GetByID(c.Request().Context(), req.ID)
	if err != nil {
		return errorResponse(c, err)
	}
	return successResponse(c, newTipView(tip))
}

type reviewRequest struct {
	ID       string `param:"id" validate:"required"`
	Approved *bool  `json:"approved" validate:"required"`
}

// ReviewTip approves or rejects a pending tip. Approved tips are queued
// for an immediate evaluation.
func (h *Handler) ReviewTip(c echo.Context) error {
	req := &reviewRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}
	ctx := c.Request().Context()

	tip, err := h.reviewer.Review(ctx, req.ID, *req.Approved)
	if err != nil {
		return errorResponse(c, err)
	}
	if tip.Status == domain.StatusActive && h.jobs != nil {
		if err := h.jobs.Enqueue(ctx, jobs.TypeEvaluate, jobs.TipPayload{TipID: tip.ID}); err != nil {
			h.log.Warn().Err(err).Str("tip_id", tip.ID).Msg("enqueue evaluation after review")
		}
	}
	return successResponse(c, newTipView(tip))
}

type jobRequest struct {
	Job       string `param:"job" validate:"oneof=evaluate expire recalculate snapshot"`
	TipID     string `json:"tip_id"`
	CreatorID string `json:"creator_id"`
}

// TriggerJob enqueues a batch or single-entity job.
func (h *Handler) TriggerJob(c echo.Context) error {
	req := &jobRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}
	if h.jobs == nil {
		return DataResponse(c, http.StatusServiceUnavailable, "job queue not configured")
	}

	var (
		msgType string
		payload any
	)
	switch req.Job {
	case "evaluate":
		msgType, payload = jobs.TypeEvaluate, jobs.TipPayload{TipID: req.TipID}
	case "expire":
		msgType = jobs.TypeExpire
	case "recalculate":
		msgType, payload = jobs.TypeRecalculate, jobs.CreatorPayload{CreatorID: req.CreatorID}
	case "snapshot":
		msgType, payload = jobs.TypeSnapshot, jobs.CreatorPayload{CreatorID: req.CreatorID}
	}

	if err := h.jobs.Enqueue(c.Request().Context(), msgType, payload); err != nil {
		h.log.Error().Err(err).Str("job", msgType).Msg("enqueue job")
		return DataResponse(c, http.StatusServiceUnavailable, fmt.Sprintf("enqueue %s failed", req.Job))
	}
	return acceptedResponse(c, map[string]string{"job": msgType})
}

type creatorRequest struct {
	CreatorID string `param:"id" validate:"required"`
}

// GetScore returns the creator's current score or an unrated marker.
func (h *Handler) GetScore(c echo.Context) error {
	req := &creatorRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}
	score, err := h.scores.Get(c.Request().Context(), req.CreatorID)
	if err != nil {
		if isNotFound(err) {
			return successResponse(c, unratedView{CreatorID: req.CreatorID, Status: "unrated"})
		}
		return errorResponse(c, err)
	}
	return successResponse(c, newScoreView(score))
}

type snapshotsRequest struct {
	CreatorID string `param:"id" validate:"required"`
	From      string `query:"from" validate:"omitempty,datetime=2006-01-02"`
	To        string `query:"to" validate:"omitempty,datetime=2006-01-02"`
	Days      int    `query:"days" default:"30" validate:"min=1,max=366"`
}

// GetSnapshots returns daily snapshots, by default the last 30 days.
func (h *Handler) GetSnapshots(c echo.Context) error {
	req := &snapshotsRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}

	to := domain.SnapshotDate(h.now())
	if req.To != "" {
		to, _ = time.Parse(time.DateOnly, req.To)
	}
	from := to.AddDate(0, 0, -req.Days)
	if req.From != "" {
		from, _ = time.Parse(time.DateOnly, req.From)
	}

	snaps, err := h.snapshots.History(c.Request().Context(), req.CreatorID, from, to)
	if err != nil {
		return errorResponse(c, err)
	}
	rows := make([]snapshotView, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, newSnapshotView(s))
	}
	return listResponse(c, rows, len(rows))
}

type leaderboardRequest struct {
	Limit  int `query:"limit" default:"50" validate:"min=1,max=500"`
	Offset int `query:"offset" validate:"min=0"`
}

// Leaderboard returns creators ranked by RMT score.
func (h *Handler) Leaderboard(c echo.Context) error {
	req := &leaderboardRequest{}
	if verr := readAndValidateRequest(c, req); verr != nil {
		return badRequestResponse(c, verr)
	}
	scores, err := h.scores.ListRanked(c.Request().Context(), req.Limit, req.Offset)
	if err != nil {
		return errorResponse(c, err)
	}
	rows := make([]scoreView, 0, len(scores))
	for i, s := range scores {
		v := newScoreView(s)
		v.Rank = req.Offset + i + 1
		rows = append(rows, v)
	}
	return listResponse(c, rows, len(rows))
}
