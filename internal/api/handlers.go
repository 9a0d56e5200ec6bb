package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taxflow/internal/auth"
	"taxflow/internal/blob"
	"taxflow/internal/export"
	"taxflow/internal/models"
	"taxflow/internal/service/progress"
	"taxflow/internal/service/tax"
	"taxflow/internal/worker"
)

type SessionStore interface {
	CreateSession(ctx context.Context, ownerID string, taxYear int) (*models.Session, error)
	GetSession(ctx context.Context, ownerID, id string) (*models.Session, error)
	ListSessions(ctx context.Context, ownerID string) ([]*models.Session, error)
	GetSessionDetail(ctx context.Context, ownerID, id string) (*models.SessionDetail, error)
	Ping(ctx context.Context) error
}

type DocumentRegistry interface {
	Register(ctx context.Context, doc *models.Document) error
	List(ctx context.Context, sessionID string) ([]*models.Document, error)
}

type Ingestor interface {
	Process(ctx context.Context, documentID string) error
}

type WorkerManager interface {
	StartCalculation(ctx context.Context, ownerID, sessionID string) (*worker.Task, bool, error)
	Task(sessionID string) *worker.Task
	Submit(jobType worker.JobType, ownerID, sessionID string, fn func(ctx context.Context)) error
	Pending() int
}

type ProgressStreamer interface {
	Stream(ctx context.Context, ownerID, sessionID string, run progress.Run, emit func(progress.Event) error) error
}

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Sessions       SessionStore
	Documents      DocumentRegistry
	Blobs          blob.Store
	Ingestor       Ingestor
	Workers        WorkerManager
	Progress       ProgressStreamer
	Auth           *auth.Service
	DefaultYear    int
	MaxUploadBytes int64
}

// Handler wires HTTP routes to the tax calculation services.
type Handler struct {
	sessions       SessionStore
	documents      DocumentRegistry
	blobs          blob.Store
	ingestor       Ingestor
	workers        WorkerManager
	progress       ProgressStreamer
	auth           *auth.Service
	defaultYear    int
	maxUploadBytes int64
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	if d.DefaultYear == 0 {
		d.DefaultYear = 2024
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 20 << 20
	}
	return &Handler{
		sessions:       d.Sessions,
		documents:      d.Documents,
		blobs:          d.Blobs,
		ingestor:       d.Ingestor,
		workers:        d.Workers,
		progress:       d.Progress,
		auth:           d.Auth,
		defaultYear:    d.DefaultYear,
		maxUploadBytes: d.MaxUploadBytes,
	}
}

func (h *Handler) authorizedOwnerID(c *gin.Context) (string, bool) {
	ownerID, ok := auth.OwnerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return ownerID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/healthz", h.healthz)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/tax-sessions", h.createSession)
	authed.GET("/tax-sessions", h.listSessions)
	authed.GET("/tax-sessions/:session_id", h.getSession)
	authed.POST("/tax-sessions/:session_id/calculate", h.startCalculation)
	authed.GET("/tax-sessions/:session_id/stream", h.streamProgress)
	authed.GET("/tax-sessions/:session_id/documents", h.listDocuments)
	authed.GET("/tax-sessions/:session_id/report.xlsx", h.downloadReport)
	authed.POST("/documents/upload", h.uploadDocument)
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, models.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrUnauthorized):
		status, msg = http.StatusUnauthorized, "authorization required"
	case errors.Is(err, models.ErrInvalidTransition):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, worker.ErrDispatcherBusy):
		status, msg = http.StatusTooManyRequests, "server is busy, please retry"
	case errors.Is(err, worker.ErrShuttingDown), errors.Is(err, worker.ErrDispatcherStopped):
		status, msg = http.StatusServiceUnavailable, "server is shutting down"
	default:
		log.Printf("api: %v", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": h.workers.Pending()})
}

type createSessionRequest struct {
	TaxYear int `json:"tax_year"`
}

func (h *Handler) createSession(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.TaxYear == 0 {
		req.TaxYear = h.defaultYear
	}
	if _, err := tax.ScheduleFor(req.TaxYear); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), ownerID, req.TaxYear)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"progress":  session.CompletionProgress,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	sessions, err := h.sessions.ListSessions(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	detail, err := h.sessions.GetSessionDetail(c.Request.Context(), ownerID, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) listDocuments(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	session, err := h.sessions.GetSession(ctx, ownerID, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	docs, err := h.documents.List(ctx, session.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) startCalculation(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	_, started, err := h.workers.StartCalculation(c.Request.Context(), ownerID, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), ownerID, sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"started":   started,
	})
}

func (h *Handler) streamProgress(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	ctx := c.Request.Context()
	if _, err := h.sessions.GetSession(ctx, ownerID, sessionID); err != nil {
		writeError(c, err)
		return
	}
	var task *worker.Task
	if c.Query("start") == "true" {
		var err error
		if task, _, err = h.workers.StartCalculation(ctx, ownerID, sessionID); err != nil {
			writeError(c, err)
			return
		}
	}
	if task == nil {
		task = h.workers.Task(sessionID)
	}
	var run progress.Run
	if task != nil {
		run = task
	}

	// SSE Request construction
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := h.progress.Stream(ctx, ownerID, sessionID, run, func(e progress.Event) error {
		return sendEvent(e.Type, e)
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("api: stream for session %s ended: %v", sessionID, err)
		_ = sendEvent(progress.EventError, progress.Event{Type: progress.EventError, Error: "stream interrupted", Timestamp: time.Now()})
	}
}

func (h *Handler) downloadReport(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	detail, err := h.sessions.GetSessionDetail(c.Request.Context(), ownerID, c.Param("session_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	buf, err := export.SessionReport(detail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(detail.Session)))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

var allowedContentTypes = []string{
	"application/pdf",
	"image/",
	"text/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadDocument(c *gin.Context) {
	ownerID, ok := h.authorizedOwnerID(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)
	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	sessionID := c.PostForm("session_id")
	if sessionID == "" {
		sessionID = c.PostForm("sessionId")
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.sessions.GetSession(ctx, ownerID, sessionID); err != nil {
		writeError(c, err)
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read file failed"})
		return
	}

	doc := &models.Document{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FileName:  filepath.Base(file.Filename),
		FileType:  contentType,
		FileSize:  file.Size,
	}
	uri, err := h.blobs.Put(ctx, path.Join(ownerID, sessionID, doc.ID, doc.FileName), f)
	if err != nil {
		log.Printf("api: store upload for session %s: %v", sessionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	doc.StorageURI = uri
	if err := h.documents.Register(ctx, doc); err != nil {
		writeError(c, err)
		return
	}

	documentID := doc.ID
	err = h.workers.Submit(worker.Ingest, ownerID, sessionID, func(ctx context.Context) {
		if err := h.ingestor.Process(ctx, documentID); err != nil {
			log.Printf("api: ingest document %s: %v", documentID, err)
		}
	})
	if err != nil {
		// The document stays UPLOADED and is excluded from aggregation.
		log.Printf("api: schedule ingestion of document %s: %v", documentID, err)
	}
	c.JSON(http.StatusCreated, gin.H{
		"documentId": doc.ID,
		"status":     "uploaded",
	})
}
