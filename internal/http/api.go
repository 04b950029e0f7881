package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/embeddings"
	"github.com/oaklabs/oakd/internal/indexer"
	"github.com/oaklabs/oakd/internal/retrieval"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"go.uber.org/zap"
)

func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (s *Server) handleListSessions(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	agent := c.QueryParam("agent")

	sessions, err := s.deps.Store.ListSessions(c.Request().Context(), 0)
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}

	filtered := sessions[:0]
	for _, sess := range sessions {
		if agent == "" || sess.Agent == agent {
			filtered = append(filtered, sess)
		}
	}
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": filtered[offset:end],
		"total":    total,
	})
}

func (s *Server) handleGetSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	sess, err := s.deps.Store.GetSession(ctx, id)
	if errors.Is(err, activity.ErrNotFound) {
		return apiError(c, http.StatusNotFound, "not_found", "session not found")
	}
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}

	batches, err := s.deps.Store.ListBatches(ctx, id)
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session": sess,
		"batches": batches,
	})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := s.deps.Store.DeleteSession(ctx, id); err != nil {
		if errors.Is(err, activity.ErrNotFound) {
			return apiError(c, http.StatusNotFound, "not_found", "session not found")
		}
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}

	// Vector entries derived from the session go with it.
	if s.deps.Vectors != nil {
		for _, col := range []string{vectorstore.CollectionMemory, vectorstore.CollectionPlan} {
			if err := s.deps.Vectors.DeleteWhere(ctx, col, map[string]string{"session_id": id}); err != nil {
				s.logger.Warn("deleting session vectors failed",
					zap.String("collection", col), zap.Error(err))
			}
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListPlans(c echo.Context) error {
	plans, err := s.deps.Store.ListPlans(c.Request().Context(),
		c.QueryParam("session_id"), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"plans": plans})
}

// indexRequest triggers a reindex. With full set the code collection
// and file records are dropped first.
type indexRequest struct {
	Full bool `json:"full"`
}

func (s *Server) handleIndex(c echo.Context) error {
	if s.deps.Indexer == nil {
		return apiError(c, http.StatusServiceUnavailable, "unavailable", "indexer not configured")
	}
	var req indexRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid body")
	}

	ctx := c.Request().Context()
	var (
		res indexer.Result
		err error
	)
	if req.Full {
		res, err = s.deps.Indexer.Rebuild(ctx)
	} else {
		res, err = s.deps.Indexer.FullIndex(ctx)
	}
	switch {
	case errors.Is(err, embeddings.ErrProviderUnreachable):
		return apiError(c, http.StatusBadGateway, "provider_unreachable", err.Error())
	case err != nil:
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"full":           req.Full,
		"files_indexed":  res.FilesIndexed,
		"files_skipped":  res.FilesSkipped,
		"files_failed":   res.FilesFailed,
		"chunks_indexed": res.ChunksIndexed,
	})
}

// handleDeletePlan drops a batch's plan vector and clears its embedded
// flag. The batch row survives; the next medium background pass embeds
// the plan content again. Used to rebuild a stale or corrupt plan
// vector without touching the activity history.
func (s *Server) handleDeletePlan(c echo.Context) error {
	ctx := c.Request().Context()
	batchID, err := strconv.ParseInt(c.Param("batch_id"), 10, 64)
	if err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "batch_id must be an integer")
	}

	if _, err := s.deps.Store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, activity.ErrNotFound) {
			return apiError(c, http.StatusNotFound, "not_found", "batch not found")
		}
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}

	if s.deps.Vectors != nil {
		err := s.deps.Vectors.Delete(ctx, vectorstore.CollectionPlan, planDocID(batchID))
		if err != nil && !errors.Is(err, vectorstore.ErrCollectionNotFound) {
			s.logger.Warn("deleting plan vector failed",
				zap.Int64("batch_id", batchID), zap.Error(err))
		}
	}
	if err := s.deps.Store.MarkPlanUnembedded(ctx, batchID); err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// planDocID is the vector-store document id for a batch's plan.
func planDocID(batchID int64) string {
	return "plan-" + strconv.FormatInt(batchID, 10)
}

func (s *Server) handleSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return apiError(c, http.StatusBadRequest, "bad_request", "q is required")
	}

	results, err := s.deps.Engine.Search(c.Request().Context(), retrieval.Query{
		Text:  q,
		Type:  retrieval.SearchType(c.QueryParam("search_type")),
		Limit: queryInt(c, "limit", 10),
	})
	switch {
	case errors.Is(err, retrieval.ErrUnknownSearchType):
		return apiError(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		return apiError(c, http.StatusConflict, "dimension_mismatch",
			"collection dimension differs from the embedding provider; reset required")
	case errors.Is(err, embeddings.ErrProviderUnreachable):
		return apiError(c, http.StatusBadGateway, "provider_unreachable", err.Error())
	case err != nil:
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSearchMemories(c echo.Context) error {
	f := activity.ObservationFilter{
		Type:   c.QueryParam("type"),
		Tag:    c.QueryParam("tag"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if v := c.QueryParam("archived"); v != "" {
		archived := v == "true" || v == "1"
		f.Archived = &archived
	}
	if v := c.QueryParam("start_date"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			return apiError(c, http.StatusBadRequest, "bad_request", "start_date must be YYYY-MM-DD")
		}
		f.Since = ts
	}
	if v := c.QueryParam("end_date"); v != "" {
		ts, err := time.Parse("2006-01-02", v)
		if err != nil {
			return apiError(c, http.StatusBadRequest, "bad_request", "end_date must be YYYY-MM-DD")
		}
		f.Until = ts.AddDate(0, 0, 1) // inclusive end day
	}

	obs, err := s.deps.Store.ListObservations(c.Request().Context(), f)
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"memories": obs})
}

// createMemoryRequest is a manually remembered observation.
type createMemoryRequest struct {
	Observation string   `json:"observation"`
	Type        string   `json:"type"`
	Context     string   `json:"context"`
	Tags        []string `json:"tags"`
	Importance  string   `json:"importance"`
	SessionID   string   `json:"session_id"`
	FilePath    string   `json:"file_path"`
}

// handleCreateMemory stores an observation directly. The background
// processor embeds it on its next pass.
func (s *Server) handleCreateMemory(c echo.Context) error {
	var req createMemoryRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid body")
	}
	if req.Observation == "" {
		return apiError(c, http.StatusBadRequest, "bad_request", "observation is required")
	}

	obs := activity.Observation{
		Type:        req.Type,
		Observation: req.Observation,
		Context:     req.Context,
		Tags:        mustJSON(req.Tags),
		Importance:  req.Importance,
		FilePath:    req.FilePath,
	}
	if req.Tags == nil {
		obs.Tags = "[]"
	}
	if req.SessionID != "" {
		sid := req.SessionID
		obs.SessionID = &sid
	}

	saved, err := s.deps.Store.AddObservation(c.Request().Context(), obs)
	if err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"memory": saved})
}

// bulkMemoryRequest alters many observations in one call.
type bulkMemoryRequest struct {
	Action string  `json:"action"` // archive | unarchive | delete
	IDs    []int64 `json:"ids"`
}

func (s *Server) handleBulkMemories(c echo.Context) error {
	var req bulkMemoryRequest
	if err := c.Bind(&req); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid body")
	}
	if len(req.IDs) == 0 {
		return apiError(c, http.StatusBadRequest, "bad_request", "ids required")
	}

	ctx := c.Request().Context()
	applied := 0
	for _, id := range req.IDs {
		var err error
		switch req.Action {
		case "archive":
			err = s.deps.Store.ArchiveObservation(ctx, id, true)
		case "unarchive":
			err = s.deps.Store.ArchiveObservation(ctx, id, false)
		case "delete":
			err = s.deps.Store.DeleteObservation(ctx, id)
			if err == nil && s.deps.Vectors != nil {
				verr := s.deps.Vectors.Delete(ctx, vectorstore.CollectionMemory, memoryDocID(id))
				if verr != nil && !errors.Is(verr, vectorstore.ErrCollectionNotFound) {
					s.logger.Warn("deleting memory vector failed", zap.Int64("id", id), zap.Error(verr))
				}
			}
		default:
			return apiError(c, http.StatusBadRequest, "bad_request", "action must be archive, unarchive or delete")
		}
		if err != nil && !errors.Is(err, activity.ErrNotFound) {
			return apiError(c, http.StatusInternalServerError, "internal", err.Error())
		}
		if err == nil {
			applied++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"applied": applied})
}

// memoryDocID is the vector-store document id for an observation.
func memoryDocID(id int64) string {
	return "obs-" + strconv.FormatInt(id, 10)
}

func (s *Server) handleBackupExport(c echo.Context) error {
	var buf bytes.Buffer
	if err := s.deps.Store.Export(c.Request().Context(), &buf); err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.Blob(http.StatusOK, "application/sql", buf.Bytes())
}

func (s *Server) handleBackupImport(c echo.Context) error {
	if err := s.deps.Store.Import(c.Request().Context(), c.Request().Body); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "imported"})
}
