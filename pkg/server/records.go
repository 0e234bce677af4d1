package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/server/router"
	"github.com/nimburion/leasequeue/pkg/tenant"
)

// RecordService is the part of *queue.Queue the record API exposes. Claim,
// complete and fail stay with in-process workers.
type RecordService interface {
	Enqueue(ctx context.Context, tenantID string, kind queue.Kind, recordID string, payload []byte) (*queue.Record, error)
	Get(ctx context.Context, tenantID string, kind queue.Kind, recordID string) (*queue.Record, error)
	List(ctx context.Context, tenantID string, kind queue.Kind, state queue.State, limit int) ([]*queue.Record, error)
	Sweep(ctx context.Context, tenantID string, kind queue.Kind, now time.Time, limit int) (queue.SweepResult, error)
}

// MaxListLimit caps ?limit= on the list endpoint.
const MaxListLimit = 1000

// EnqueueRequest is the body of POST .../records.
type EnqueueRequest struct {
	RecordID string `json:"record_id"`
	// Payload is base64 encoded, matching queue.Record's JSON form.
	Payload []byte `json:"payload,omitempty"`
}

// ErrorResponse is the JSON error body of every record API failure.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type recordHandlers struct {
	records RecordService
	log     logger.Logger
}

// RegisterRecordAPI mounts the record endpoints under /v1:
//
//	POST /v1/tenants/:tenant/kinds/:kind/records
//	GET  /v1/tenants/:tenant/kinds/:kind/records?state=pending&limit=100
//	GET  /v1/tenants/:tenant/kinds/:kind/records/:id
//	POST /v1/tenants/:tenant/kinds/:kind/sweep?limit=100
func RegisterRecordAPI(r router.Router, records RecordService, log logger.Logger) {
	h := &recordHandlers{records: records, log: log}
	v1 := r.Group("/v1/tenants/:tenant/kinds/:kind")
	v1.POST("/records", h.enqueue)
	v1.GET("/records", h.list)
	v1.GET("/records/:id", h.get)
	v1.POST("/sweep", h.sweep)
}

func (h *recordHandlers) enqueue(c router.Context) error {
	kind, ok := h.kind(c)
	if !ok {
		return nil
	}
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return h.writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	}
	rec, err := h.records.Enqueue(c.Request().Context(), c.Param("tenant"), kind, req.RecordID, req.Payload)
	if err != nil {
		return h.queueError(c, err)
	}
	c.Response().Header().Set("Location", c.Request().URL.Path+"/"+rec.RecordID)
	return c.JSON(http.StatusCreated, rec)
}

func (h *recordHandlers) get(c router.Context) error {
	kind, ok := h.kind(c)
	if !ok {
		return nil
	}
	rec, err := h.records.Get(c.Request().Context(), c.Param("tenant"), kind, c.Param("id"))
	if err != nil {
		return h.queueError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *recordHandlers) list(c router.Context) error {
	kind, ok := h.kind(c)
	if !ok {
		return nil
	}
	state := queue.StatePending
	if raw := c.Query("state"); raw != "" {
		parsed, err := queue.ParseState(raw)
		if err != nil {
			return h.writeError(c, http.StatusBadRequest, "invalid_state", err.Error())
		}
		state = parsed
	}
	limit, ok := h.limit(c, queue.DefaultListLimit)
	if !ok {
		return nil
	}
	records, err := h.records.List(c.Request().Context(), c.Param("tenant"), kind, state, limit)
	if err != nil {
		return h.queueError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (h *recordHandlers) sweep(c router.Context) error {
	kind, ok := h.kind(c)
	if !ok {
		return nil
	}
	limit, ok := h.limit(c, queue.DefaultSweepLimit)
	if !ok {
		return nil
	}
	result, err := h.records.Sweep(c.Request().Context(), c.Param("tenant"), kind, time.Time{}, limit)
	if err != nil {
		return h.queueError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"scanned":       result.Scanned,
		"released":      result.Released,
		"dead_lettered": result.DeadLettered,
		"conflicts":     result.Conflicts,
	})
}

func (h *recordHandlers) kind(c router.Context) (queue.Kind, bool) {
	kind, err := queue.ParseKind(c.Param("kind"))
	if err != nil {
		_ = h.writeError(c, http.StatusNotFound, "unknown_kind", err.Error())
		return "", false
	}
	return kind, true
}

func (h *recordHandlers) limit(c router.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > MaxListLimit {
		_ = h.writeError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and "+strconv.Itoa(MaxListLimit))
		return 0, false
	}
	return limit, true
}

// queueError maps queue error kinds onto HTTP statuses. Store failures are
// logged here because the handler answers them itself.
func (h *recordHandlers) queueError(c router.Context, err error) error {
	switch {
	case errors.Is(err, queue.ErrValidation):
		return h.writeError(c, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, tenant.ErrUnknownTenant):
		return h.writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, queue.ErrDuplicateRecord):
		return h.writeError(c, http.StatusConflict, "duplicate_record", err.Error())
	case errors.Is(err, queue.ErrAlreadyLeased), errors.Is(err, queue.ErrNotOwner), errors.Is(err, queue.ErrInvalidState):
		return h.writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, queue.ErrStoreUnavailable):
		h.log.WithContext(c.Request().Context()).Warn("record API store unavailable", "route", c.Route(), "error", err)
		c.Response().Header().Set("Retry-After", "1")
		return h.writeError(c, http.StatusServiceUnavailable, "store_unavailable", "record store unavailable")
	default:
		return err
	}
}

func (h *recordHandlers) writeError(c router.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: logger.RequestIDFromContext(c.Request().Context()),
	})
}
