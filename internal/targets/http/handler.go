package targetshttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

type targetService interface {
	Create(ctx context.Context, req targets.CreateTargetRequest) (*targets.Target, error)
	Get(ctx context.Context, id string) (*targets.Target, error)
	List(ctx context.Context, filter targets.ListFilter) ([]targets.Target, int, error)
	RecordAchievement(ctx context.Context, id string, in targets.AchievementInput) (*targets.Target, error)
}

type schedulerService interface {
	Status(ctx context.Context) jobs.SchedulerStatus
	RolloverByPeriod(ctx context.Context, kind periods.Kind) (targets.RunResult, error)
	TriggerImmediateRollover(ctx context.Context) ([]targets.RunResult, error)
	SweepExpired(ctx context.Context) (targets.RunResult, error)
}

// Handler exposes the target API and the scheduler admin endpoints.
type Handler struct {
	logger    *slog.Logger
	service   targetService
	scheduler schedulerService
}

type listResponse struct {
	Items  []targets.Target `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type immediateRolloverResponse struct {
	Success bool                `json:"success"`
	Results []targets.RunResult `json:"results"`
}

// NewHandler constructs the targets HTTP handler. scheduler may be nil when
// the process does not own the timers; admin endpoints then answer 503.
func NewHandler(logger *slog.Logger, service targetService, scheduler schedulerService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, scheduler: scheduler}
}

func (h *Handler) createTarget(w http.ResponseWriter, r *http.Request) {
	var req targets.CreateTargetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	t, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) listTargets(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if items == nil {
		items = []targets.Target{}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = len(items)
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: filter.Offset})
}

func (h *Handler) getTarget(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) recordAchievement(w http.ResponseWriter, r *http.Request) {
	var in targets.AchievementInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	t, err := h.service.RecordAchievement(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerReady(w) {
		return
	}
	httpx.JSON(w, http.StatusOK, h.scheduler.Status(r.Context()))
}

func (h *Handler) rolloverAll(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerReady(w) {
		return
	}
	results, err := h.scheduler.TriggerImmediateRollover(r.Context())
	resp := immediateRolloverResponse{Success: err == nil, Results: results}
	for _, res := range results {
		if !res.Success {
			resp.Success = false
		}
	}
	status := http.StatusOK
	if err != nil {
		h.logger.Error("immediate rollover", slog.Any("error", err))
		status = http.StatusInternalServerError
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) rolloverPeriod(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerReady(w) {
		return
	}
	kind, err := periods.ParseKind(chi.URLParam(r, "period"))
	if err != nil {
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
		return
	}
	res, err := h.scheduler.RolloverByPeriod(r.Context(), kind)
	h.writeRunResult(w, res, err)
}

func (h *Handler) sweepExpired(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerReady(w) {
		return
	}
	res, err := h.scheduler.SweepExpired(r.Context())
	h.writeRunResult(w, res, err)
}

func (h *Handler) writeRunResult(w http.ResponseWriter, res targets.RunResult, err error) {
	if err != nil {
		h.logger.Error("manual scheduler run", slog.Any("error", err))
		if res.Message == "" {
			res.Message = err.Error()
		}
		httpx.JSON(w, http.StatusInternalServerError, res)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) schedulerReady(w http.ResponseWriter) bool {
	if h.scheduler != nil {
		return true
	}
	httpx.Problem(w, http.StatusServiceUnavailable, "Scheduler Disabled", "scheduler is not running in this process")
	return false
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, targets.ErrNotFound):
		err = httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, targets.ErrInvalidTarget),
		errors.Is(err, targets.ErrInvalidAmount),
		errors.Is(err, targets.ErrInvalidSort),
		errors.Is(err, periods.ErrUnknownKind):
		err = httpx.Wrap(httpx.ErrValidation, err)
	case errors.Is(err, targets.ErrVersionConflict),
		errors.Is(err, targets.ErrTargetInactive):
		err = httpx.Wrap(httpx.ErrConflict, err)
	default:
		h.logger.Error("targets request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, err)
}

func parseListFilter(r *http.Request) (targets.ListFilter, error) {
	q := r.URL.Query()
	var filter targets.ListFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := targets.Status(strings.ToLower(raw))
		if !status.Valid() {
			return filter, errors.New("invalid status " + strconv.Quote(raw))
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(q.Get("period")); raw != "" {
		kind, err := periods.ParseKind(raw)
		if err != nil {
			return filter, err
		}
		filter.Period = &kind
	}
	filter.AgentID = strings.TrimSpace(q.Get("agent_id"))
	filter.CustomerCode = strings.TrimSpace(q.Get("customer_code"))
	sort, err := targets.ParseSortField(q.Get("sort"))
	if err != nil {
		return filter, err
	}
	filter.Sort = sort
	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "asc":
	case "desc":
		filter.Desc = true
	default:
		return filter, errors.New("order must be asc or desc")
	}
	if filter.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		return filter, errors.New("invalid limit")
	}
	if filter.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		return filter, errors.New("invalid offset")
	}
	return filter, nil
}

func parseNonNegative(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative value")
	}
	return n, nil
}
