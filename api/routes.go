// Package api exposes the task scheduler over HTTP. It translates requests
// into TaskManager and storage calls and maps the error taxonomy onto
// status codes; it holds no scheduling logic of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/nathangokul/grakn/internal/engine"
	"github.com/nathangokul/grakn/internal/storage"
	"github.com/nathangokul/grakn/internal/task"
)

// defaultBatchTimeout bounds one POST /tasks batch end to end.
const defaultBatchTimeout = 10 * time.Second

// Server holds the handler dependencies.
type Server struct {
	manager *engine.Manager
	store   storage.TaskStateStorage
	log     zerolog.Logger

	// batchTimeout is the per-batch submission deadline; tests shrink it.
	batchTimeout time.Duration
}

// NewServer builds the HTTP boundary around a manager.
func NewServer(manager *engine.Manager, log zerolog.Logger) *Server {
	return &Server{
		manager:      manager,
		store:        manager.Storage(),
		log:          log.With().Str("component", "api").Logger(),
		batchTimeout: defaultBatchTimeout,
	}
}

// Register installs the routes on the router.
func (s *Server) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	tasks := router.Group("/tasks")
	{
		tasks.GET("", s.listTasks)
		tasks.GET("/:id", s.getTask)
		tasks.PUT("/:id/stop", s.stopTask)
		tasks.POST("", s.createTasks)
	}
}

// listTasks returns task summaries matching the AND of the supplied
// status/taskType/creator filters, paginated by limit/offset.
func (s *Server) listTasks(c *gin.Context) {
	var filter storage.Filter

	if raw := c.Query("status"); raw != "" {
		status, err := task.ParseStatus(raw)
		if err != nil {
			abortError(c, http.StatusBadRequest, err)
			return
		}
		filter.Status = status
	}
	filter.TaskType = c.Query("taskType")
	filter.Creator = c.Query("creator")

	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		abortError(c, http.StatusBadRequest, err)
		return
	}

	states, err := s.store.GetTasks(c.Request.Context(), filter, limit, offset)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	out := make([]gin.H, 0, len(states))
	for _, state := range states {
		out = append(out, summarize(state))
	}
	c.JSON(http.StatusOK, out)
}

// getTask returns the full serialization of one task.
func (s *Server) getTask(c *gin.Context) {
	state, err := s.store.GetState(c.Request.Context(), task.IDOf(c.Param("id")))
	if err != nil {
		abortError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, detail(state))
}

// stopTask requests a cooperative stop and returns an empty object.
func (s *Server) stopTask(c *gin.Context) {
	if err := s.manager.StopTask(c.Request.Context(), task.IDOf(c.Param("id"))); err != nil {
		abortError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// taskRequest is one entry of a batch submission.
type taskRequest struct {
	TaskType      string          `json:"taskType"`
	CreatedBy     string          `json:"createdBy"`
	RunAt         *int64          `json:"runAt"`
	Interval      *int64          `json:"interval"`
	Priority      string          `json:"priority"`
	Configuration json.RawMessage `json:"configuration"`
}

// batchResult is the response entry for one submitted task, in request
// order.
type batchResult struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Code  int    `json:"code"`
}

// createTasks submits a batch. A malformed individual entry fails only that
// entry (code 500); a missing "tasks" key or an unparsable body fails the
// whole request with 400. The response status is 200 when every entry
// succeeded, 202 for a mix and 500 when all failed or the batch timed out.
func (s *Server) createTasks(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		abortError(c, http.StatusBadRequest, errors.New("request body is not valid JSON"))
		return
	}
	rawTasks, ok := envelope["tasks"]
	if !ok {
		abortError(c, http.StatusBadRequest, errors.New(`request body is missing the "tasks" parameter`))
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawTasks, &items); err != nil {
		abortError(c, http.StatusBadRequest, errors.New(`"tasks" must be an array`))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.batchTimeout)
	defer cancel()

	results := make([]batchResult, len(items))
	var wg sync.WaitGroup
	for i, raw := range items {
		wg.Add(1)
		go func(i int, raw json.RawMessage) {
			defer wg.Done()
			results[i] = s.submitOne(ctx, i, raw)
		}(i, raw)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Error().Err(task.ErrTimeout).Int("tasks", len(items)).Msg("batch submission timed out")
		c.JSON(http.StatusInternalServerError, gin.H{})
		return
	}

	failures := 0
	for _, r := range results {
		if r.Code != http.StatusOK {
			failures++
		}
	}
	status := http.StatusOK
	switch {
	case failures == len(items) && len(items) > 0:
		status = http.StatusInternalServerError
	case failures > 0:
		status = http.StatusAccepted
	}
	c.JSON(status, results)
}

// submitOne parses and submits a single batch entry. Any per-entry problem
// is reported as code 500 for that index without affecting its siblings.
func (s *Server) submitOne(ctx context.Context, index int, raw json.RawMessage) batchResult {
	failed := batchResult{Index: index, Code: http.StatusInternalServerError}

	var req taskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.log.Error().Err(err).Int("index", index).Msg("malformed batch entry")
		return failed
	}
	if req.TaskType == "" || req.CreatedBy == "" || req.RunAt == nil {
		s.log.Error().Int("index", index).Msg("batch entry missing taskType, createdBy or runAt")
		return failed
	}
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		s.log.Error().Err(err).Int("index", index).Msg("bad batch entry priority")
		return failed
	}

	runAt := time.UnixMilli(*req.RunAt)
	schedule := task.At(runAt)
	if req.Interval != nil {
		schedule = task.Recurring(runAt, time.Duration(*req.Interval)*time.Millisecond)
	}

	state := task.New(req.TaskType, req.CreatedBy, schedule, priority)
	id, err := s.manager.AddTask(ctx, state, req.Configuration)
	if err != nil {
		s.log.Error().Err(err).Int("index", index).Str("type", req.TaskType).Msg("batch entry submission failed")
		return failed
	}
	return batchResult{Index: index, ID: id.String(), Code: http.StatusOK}
}

// summarize is the list-endpoint serialization.
func summarize(state task.State) gin.H {
	return gin.H{
		"id":        state.ID.String(),
		"status":    string(state.Status),
		"creator":   state.Creator,
		"taskType":  state.Type,
		"runAt":     state.Schedule.RunAt.UnixMilli(),
		"recurring": state.Schedule.IsRecurring(),
	}
}

// detail adds the fields only the single-task endpoint exposes.
func detail(state task.State) gin.H {
	out := summarize(state)

	out["interval"] = nil
	if state.Schedule.IsRecurring() {
		out["interval"] = state.Schedule.Interval.Milliseconds()
	}
	out["failureInfo"] = nil
	if state.Failure != nil {
		out["failureInfo"] = gin.H{"message": state.Failure.Message, "trace": state.Failure.Trace}
	}
	out["ownerEngine"] = nil
	if state.Owner != "" {
		out["ownerEngine"] = state.Owner.String()
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTaskClass), errors.Is(err, task.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abortError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"exception": err.Error()})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return v, nil
}
