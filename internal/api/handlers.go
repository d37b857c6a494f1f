package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"scriptsched/internal/job"
	"scriptsched/internal/jobs"
	"scriptsched/internal/scriptstore"
	"scriptsched/internal/task/engine"
	"scriptsched/internal/task/scheduler"
	"scriptsched/internal/validate"
	logx "scriptsched/pkg/logx"
)

const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 1000
)

type jobView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Script         string     `json:"script"`
	Frequency      string     `json:"frequency"`
	ExecutionTime  string     `json:"execution_time"`
	StartDate      string     `json:"start_date"`
	EndDate        *string    `json:"end_date"`
	Status         string     `json:"status"`
	ExecutionCount int        `json:"execution_count"`
	LastExecution  *time.Time `json:"last_execution"`
	NextExecution  *time.Time `json:"next_execution"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type executionView struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Status      string     `json:"status"`
	Output      string     `json:"output"`
	ErrorOutput string     `json:"error_output"`
	Duration    float64    `json:"duration"` // seconds
}

type validationView struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type messageView struct {
	Message string `json:"message"`
}

func (h *handlers) viewJob(j *job.Job) jobView {
	loc := h.ctrl.Location()
	v := jobView{
		ID:             j.ID,
		Name:           j.Name,
		Description:    j.Description,
		Script:         j.Script,
		Frequency:      string(j.Frequency),
		ExecutionTime:  j.At.String(),
		StartDate:      j.StartDate.In(loc).Format(job.DateLayout),
		Status:         string(j.Status),
		ExecutionCount: j.ExecutionCount,
		LastExecution:  j.LastExecution,
		NextExecution:  j.NextExecution,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.EndDate != nil {
		s := j.EndDate.In(loc).Format(job.DateLayout)
		v.EndDate = &s
	}
	// The stored value goes stale between runs; show the live one.
	if j.Status == job.StatusScheduled || j.Status == job.StatusFailed {
		v.NextExecution = h.ctrl.CalculateNextExecution(j)
	}
	return v
}

func viewExecution(e *job.Execution) executionView {
	return executionView{
		ID:          e.ID,
		JobID:       e.JobID,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Status:      string(e.Status),
		Output:      e.Output,
		ErrorOutput: e.ErrorOutput,
		Duration:    e.Duration.Seconds(),
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) validate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	src, err := io.ReadAll(r.Body)
	if err != nil {
		h.badBody(w, err)
		return
	}
	res := h.ctrl.ValidateScript(r.Context(), src)
	writeData(w, http.StatusOK, validationView{Valid: res.OK, Message: res.Message})
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		h.badBody(w, err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	nj, err := h.parseNewJob(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	uploadName, src, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	j, err := h.ctrl.Submit(r.Context(), nj, uploadName, src)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusCreated, h.viewJob(j))
}

func (h *handlers) parseNewJob(r *http.Request) (jobs.NewJob, error) {
	loc := h.ctrl.Location()
	nj := jobs.NewJob{
		Name:        strings.TrimSpace(r.FormValue("name")),
		Description: strings.TrimSpace(r.FormValue("description")),
	}
	if nj.Name == "" {
		return nj, errors.New("name is required")
	}
	freq, err := job.ParseFrequency(r.FormValue("frequency"))
	if err != nil {
		return nj, err
	}
	nj.Frequency = freq
	at, err := job.ParseTimeOfDay(r.FormValue("execution_time"))
	if err != nil {
		return nj, err
	}
	nj.At = at
	if strings.TrimSpace(r.FormValue("start_date")) == "" {
		return nj, errors.New("start_date is required")
	}
	if nj.StartDate, err = job.ParseDate(r.FormValue("start_date"), loc); err != nil {
		return nj, err
	}
	if raw := strings.TrimSpace(r.FormValue("end_date")); raw != "" {
		end, err := job.ParseDate(raw, loc)
		if err != nil {
			return nj, err
		}
		nj.EndDate = &end
	}
	return nj, nil
}

// readUpload returns the uploaded script. "script_file" is accepted as an
// alias of "script".
func readUpload(r *http.Request) (string, []byte, error) {
	var (
		f   multipart.File
		hdr *multipart.FileHeader
		err error
	)
	for _, field := range []string{"script", "script_file"} {
		f, hdr, err = r.FormFile(field)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", nil, errors.New("no script file uploaded")
	}
	defer f.Close()
	if hdr.Filename == "" {
		return "", nil, errors.New("no script file selected")
	}
	src, err := io.ReadAll(f)
	if err != nil {
		return "", nil, fmt.Errorf("read upload: %w", err)
	}
	return hdr.Filename, src, nil
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.ctrl.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, h.viewJob(j))
	}
	writeData(w, http.StatusOK, out)
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.ctrl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.viewJob(j))
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = min(n, maxExecutionLimit)
	}
	list, err := h.ctrl.Executions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]executionView, 0, len(list))
	for _, e := range list {
		out = append(out, viewExecution(e))
	}
	writeData(w, http.StatusOK, out)
}

func (h *handlers) pauseJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.ctrl.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.viewJob(j))
}

func (h *handlers) resumeJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.ctrl.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, h.viewJob(j))
}

func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.RunNow(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusAccepted, messageView{Message: "Job execution started"})
}

func (h *handlers) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, messageView{Message: "Job deleted"})
}

func (h *handlers) executionLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "execution id must be an integer")
		return
	}
	e, err := h.ctrl.Execution(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="execution_%d_log.txt"`, e.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, renderLog(e))
}

func renderLog(e *job.Execution) string {
	var b strings.Builder
	completed := "Not completed"
	if e.CompletedAt != nil {
		completed = e.CompletedAt.Format(time.RFC3339)
	}
	orDefault := func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	}
	fmt.Fprintf(&b, "Execution Log\n================\n")
	fmt.Fprintf(&b, "Job ID: %s\n", e.JobID)
	fmt.Fprintf(&b, "Started: %s\n", e.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Completed: %s\n", completed)
	fmt.Fprintf(&b, "Status: %s\n", e.Status)
	fmt.Fprintf(&b, "Duration: %.3fs\n\n", e.Duration.Seconds())
	fmt.Fprintf(&b, "Output:\n%s\n\n", orDefault(e.Output, "No output"))
	fmt.Fprintf(&b, "Error Output:\n%s\n", orDefault(e.ErrorOutput, "No errors"))
	return b.String()
}

func (h *handlers) badBody(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
			fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed request body")
}

// fail maps controller errors to HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", "Script validation failed: "+ve.Message)
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, jobs.ErrInvalidJob),
		errors.Is(err, scriptstore.ErrExtension),
		errors.Is(err, scriptstore.ErrBadRef):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, jobs.ErrRunInProgress):
		writeError(w, http.StatusConflict, "RUN_IN_PROGRESS", err.Error())
	case errors.Is(err, scheduler.ErrTriggerNotFound):
		writeError(w, http.StatusConflict, "NOT_SCHEDULED", err.Error())
	case errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, engine.ErrStopping),
		errors.Is(err, engine.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		h.log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
	}
}
