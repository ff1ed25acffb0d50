package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/services"
)

// RecordHandler exposes local record CRUD. Every write is queued for sync.
type RecordHandler struct {
	records *services.RecordService
}

// NewRecordHandler creates a new RecordHandler.
func NewRecordHandler(records *services.RecordService) *RecordHandler {
	return &RecordHandler{records: records}
}

// Register mounts the record routes on g.
func (h *RecordHandler) Register(g *gin.RouterGroup) {
	g.GET("/:table", h.List)
	g.POST("/:table", h.Create)
	g.GET("/:table/:id", h.Get)
	g.PATCH("/:table/:id", h.Update)
	g.DELETE("/:table/:id", h.Delete)
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, name+" must be a non-negative integer")
	}
	return n, nil
}

// List handles GET /records/:table?limit=&offset=
func (h *RecordHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		writeError(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		writeError(c, err)
		return
	}

	recs, err := h.records.List(c.Request.Context(), c.Param("table"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "limit": limit, "offset": offset})
}

// Get handles GET /records/:table/:id
func (h *RecordHandler) Get(c *gin.Context) {
	rec, err := h.records.Get(c.Request.Context(), c.Param("table"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func bindRecord(c *gin.Context) (models.Record, bool) {
	var rec models.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return nil, false
	}
	return rec, true
}

// Create handles POST /records/:table
func (h *RecordHandler) Create(c *gin.Context) {
	fields, ok := bindRecord(c)
	if !ok {
		return
	}
	rec, err := h.records.Create(c.Request.Context(), c.Param("table"), fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// Update handles PATCH /records/:table/:id
func (h *RecordHandler) Update(c *gin.Context) {
	patch, ok := bindRecord(c)
	if !ok {
		return
	}
	rec, err := h.records.Update(c.Request.Context(), c.Param("table"), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete handles DELETE /records/:table/:id
func (h *RecordHandler) Delete(c *gin.Context) {
	if err := h.records.Delete(c.Request.Context(), c.Param("table"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
