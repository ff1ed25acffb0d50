// Package handlers provides REST API handlers for sync configuration and operations.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/millsync/backend/internal/app"
	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/logging"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/services"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/millsync/backend/internal/sync/outbox"
)

// SyncHandler handles sync configuration and operations.
type SyncHandler struct {
	app *app.App
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(a *app.App) *SyncHandler {
	return &SyncHandler{app: a}
}

// Register mounts the sync routes on g.
func (h *SyncHandler) Register(g *gin.RouterGroup) {
	g.GET("/status", h.GetStatus)
	g.POST("/now", h.TriggerSync)
	g.POST("/pause", h.Pause)
	g.POST("/resume", h.Resume)
	g.POST("/cancel", h.Cancel)

	g.GET("/outbox", h.ListOutbox)
	g.GET("/outbox/failed", h.ListFailed)
	g.POST("/outbox/retry", h.RetryOutbox)

	g.GET("/conflicts", h.ListConflicts)
	g.GET("/conflicts/:id", h.GetConflict)
	g.POST("/conflicts/:id/resolve", h.ResolveConflict)
	g.POST("/conflicts/resolve-all", h.ResolveAll)

	g.GET("/credentials", h.GetCredentials)
	g.POST("/credentials", h.SetCredentials)
	g.DELETE("/credentials", h.DeleteCredentials)
}

// statusFor maps an error code to the HTTP status returned to clients.
func statusFor(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrInvalid, apperrors.ErrConfig:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress, apperrors.ErrSyncPaused, apperrors.ErrConflictUnresolved:
		return http.StatusConflict
	case apperrors.ErrSyncNotConfigured:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{"path": c.FullPath()})
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperrors.Code(err)})
}

// =====================================================
// Status and control
// =====================================================

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	st, err := h.app.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// TriggerSync handles POST /sync/now and waits for the cycle. The outcome
// is in the result's state; only a refused start is an error.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	result, err := h.app.Scheduler.SyncNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Pause handles POST /sync/pause
func (h *SyncHandler) Pause(c *gin.Context) {
	h.app.Coordinator.Pause()
	c.JSON(http.StatusOK, h.app.Coordinator.Status())
}

// Resume handles POST /sync/resume
func (h *SyncHandler) Resume(c *gin.Context) {
	h.app.Coordinator.Resume()
	c.JSON(http.StatusOK, h.app.Coordinator.Status())
}

// Cancel handles POST /sync/cancel
func (h *SyncHandler) Cancel(c *gin.Context) {
	h.app.Coordinator.Cancel()
	c.JSON(http.StatusOK, h.app.Coordinator.Status())
}

// =====================================================
// Outbox
// =====================================================

type outboxResponse struct {
	Entries []models.OutboxEntry `json:"entries"`
	Stats   outbox.Stats         `json:"stats"`
}

func (h *SyncHandler) outboxResponse(c *gin.Context, entries []models.OutboxEntry) {
	stats, err := h.app.Outbox.GetStats(c.Request.Context(), h.app.Coordinator.MaxRetries())
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []models.OutboxEntry{}
	}
	c.JSON(http.StatusOK, outboxResponse{Entries: entries, Stats: stats})
}

// ListOutbox handles GET /sync/outbox
func (h *SyncHandler) ListOutbox(c *gin.Context) {
	entries, err := h.app.Outbox.ListAll(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.outboxResponse(c, entries)
}

// ListFailed handles GET /sync/outbox/failed
func (h *SyncHandler) ListFailed(c *gin.Context) {
	entries, err := h.app.Outbox.ListFailed(c.Request.Context(), h.app.Coordinator.MaxRetries())
	if err != nil {
		writeError(c, err)
		return
	}
	h.outboxResponse(c, entries)
}

// RetryOutbox handles POST /sync/outbox/retry. With an id query parameter
// one entry is reset, otherwise every failed entry.
func (h *SyncHandler) RetryOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	n := 1
	if raw := c.Query("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(c, apperrors.New(apperrors.ErrInvalid, "id must be an integer"))
			return
		}
		if err := h.app.Outbox.ResetRetryCount(ctx, id); err != nil {
			writeError(c, err)
			return
		}
	} else {
		var err error
		if n, err = h.app.Outbox.RetryAll(ctx, h.app.Coordinator.MaxRetries()); err != nil {
			writeError(c, err)
			return
		}
	}
	h.app.Coordinator.RefreshStatus(ctx)
	if n > 0 {
		h.app.Coordinator.Trigger()
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// =====================================================
// Conflicts
// =====================================================

// ListConflicts handles GET /sync/conflicts. ?all=true includes resolved
// conflicts and ?table= filters by table.
func (h *SyncHandler) ListConflicts(c *gin.Context) {
	ctx := c.Request.Context()
	reg := h.app.Resolver.Registry()

	var (
		conflicts []models.SyncConflict
		err       error
	)
	if table := c.Query("table"); table != "" {
		conflicts, err = reg.ListUnresolvedForTable(ctx, table)
	} else {
		conflicts, err = reg.ListUnresolved(ctx)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("all") == "true" {
		resolved, err := reg.ListResolved(ctx)
		if err != nil {
			writeError(c, err)
			return
		}
		conflicts = append(conflicts, resolved...)
	}
	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts, "count": len(conflicts)})
}

// GetConflict handles GET /sync/conflicts/:id with the field-level diff.
func (h *SyncHandler) GetConflict(c *gin.Context) {
	sc, err := h.app.Resolver.Registry().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if sc == nil {
		writeError(c, apperrors.New(apperrors.ErrNotFound, "conflict not found"))
		return
	}
	diff := conflict.Diff(*sc, h.app.Resolver.Config().Excluded(sc.TableName))
	c.JSON(http.StatusOK, gin.H{
		"conflict":  sc,
		"diff":      diff,
		"differing": conflict.Differing(diff),
	})
}

type resolveRequest struct {
	Strategy string `json:"strategy"`
}

func (r resolveRequest) parse(required bool) (models.Strategy, error) {
	if r.Strategy == "" && !required {
		return "", nil
	}
	s, err := models.ParseStrategy(r.Strategy)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid strategy", err)
	}
	return s, nil
}

// ResolveConflict handles POST /sync/conflicts/:id/resolve
func (h *SyncHandler) ResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	strategy, err := req.parse(true)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	rc, err := h.app.Resolver.ResolveByID(ctx, c.Param("id"), strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	h.app.Coordinator.RefreshStatus(ctx)
	if rc == nil {
		c.JSON(http.StatusAccepted, gin.H{"id": c.Param("id"), "status": "deferred"})
		return
	}
	h.app.Coordinator.Trigger()
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": "resolved", "strategy": rc.Strategy, "record": rc.Record})
}

// ResolveAll handles POST /sync/conflicts/resolve-all. Without a strategy
// the configured policy decides.
func (h *SyncHandler) ResolveAll(c *gin.Context) {
	var req resolveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
			return
		}
	}
	strategy, err := req.parse(false)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	var res conflict.BatchResult
	if strategy != "" {
		res, err = h.app.Resolver.ResolveAllWithStrategy(ctx, strategy)
	} else {
		res, err = h.app.Resolver.ResolveAll(ctx)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	h.app.Coordinator.RefreshStatus(ctx)
	if len(res.Resolved) > 0 {
		h.app.Coordinator.Trigger()
	}

	failed := make(map[string]string, len(res.Failed))
	for id, ferr := range res.Failed {
		failed[id] = ferr.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"resolved": nonNil(res.Resolved),
		"deferred": nonNil(res.Deferred),
		"failed":   failed,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// =====================================================
// Credentials
// =====================================================

// GetCredentials handles GET /sync/credentials
// Returns the stored remote configuration with secrets redacted.
func (h *SyncHandler) GetCredentials(c *gin.Context) {
	creds, err := h.app.Credentials.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if creds == nil || !creds.IsEnabled {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"configured":  true,
		"provider":    creds.Provider,
		"endpoint":    creds.Endpoint,
		"bucket_name": creds.BucketName,
		"region":      creds.Region,
		"access_key":  "***REDACTED***",
		"secret_key":  "***REDACTED***",
		"updated_at":  creds.UpdatedAt,
	})
}

// SetCredentials handles POST /sync/credentials
// Saves encrypted credentials and reconnects the remote.
func (h *SyncHandler) SetCredentials(c *gin.Context) {
	var req services.CredentialInput
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	if _, err := h.app.Credentials.Save(c.Request.Context(), req); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"message":    "Sync credentials saved",
		"configured": h.app.Configured(),
	})
}

// DeleteCredentials handles DELETE /sync/credentials
func (h *SyncHandler) DeleteCredentials(c *gin.Context) {
	if err := h.app.Credentials.Delete(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Sync credentials removed",
	})
}
