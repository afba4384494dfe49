package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/usecase"
)

type submitBody struct {
	Language   string `json:"language"`
	SourceCode string `json:"source_code"`
	Stdin      string `json:"stdin"`
}

type runBody struct {
	Code     string `json:"code"`
	Input    string `json:"input"`
	Language string `json:"language"`
}

type submitResponse struct {
	JobID    uuid.UUID       `json:"job_id"`
	Language domain.Language `json:"language"`
	State    domain.State    `json:"state"`
}

type jobResponse struct {
	JobID           uuid.UUID       `json:"job_id"`
	Language        domain.Language `json:"language"`
	State           domain.State    `json:"state"`
	Output          *string         `json:"output,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	Failure         *domain.Failure `json:"failure,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

func newJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		JobID:      job.ID,
		Language:   job.Language,
		State:      job.State,
		Failure:    job.Failure,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.State == domain.StateCompleted && job.Result != nil {
		resp.Output = &job.Result.Output
		resp.ExecutionTimeMs = &job.Result.ExecutionTimeMs
	}
	return resp
}

// SubmissionHandler handles HTTP requests for code submissions.
type SubmissionHandler struct {
	submitUC *usecase.SubmitJobUsecase
	getJobUC *usecase.GetJobUsecase
	removeUC *usecase.RemoveJobUsecase
	syncWait time.Duration
	logger   *zap.Logger
}

// NewSubmissionHandler creates a new SubmissionHandler.
func NewSubmissionHandler(
	submitUC *usecase.SubmitJobUsecase,
	getJobUC *usecase.GetJobUsecase,
	removeUC *usecase.RemoveJobUsecase,
	syncWait time.Duration,
	logger *zap.Logger,
) *SubmissionHandler {
	return &SubmissionHandler{
		submitUC: submitUC,
		getJobUC: getJobUC,
		removeUC: removeUC,
		syncWait: syncWait,
		logger:   logger,
	}
}

// Submit handles POST /api/v1/submissions. With ?wait=true it blocks until
// the job finishes and answers with its outcome.
func (h *SubmissionHandler) Submit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badBody(c, err)
		return
	}
	req := &domain.SubmitRequest{
		Client:     c.ClientIP(),
		Language:   domain.Language(body.Language),
		SourceCode: body.SourceCode,
		Stdin:      body.Stdin,
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		job, err := h.submitUC.RunSync(c.Request.Context(), req, h.syncWait)
		if err != nil {
			h.syncError(c, job, err)
			return
		}
		code := http.StatusOK
		if job.State == domain.StateFailed {
			code = http.StatusUnprocessableEntity
		}
		c.JSON(code, newJobResponse(job))
		return
	}

	job, err := h.submitUC.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, submitResponse{
		JobID:    job.ID,
		Language: job.Language,
		State:    job.State,
	})
}

// Run handles POST /run, the synchronous single-call contract:
// {code, input, language} in, {state, output, executionTime, jobId, language} out.
func (h *SubmissionHandler) Run(c *gin.Context) {
	var body runBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.badBody(c, err)
		return
	}
	if body.Code == "" || body.Language == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: code, language"})
		return
	}

	job, err := h.submitUC.RunSync(c.Request.Context(), &domain.SubmitRequest{
		Client:     c.ClientIP(),
		Language:   domain.Language(body.Language),
		SourceCode: body.Code,
		Stdin:      body.Input,
	}, h.syncWait)
	if err != nil {
		h.syncError(c, job, err)
		return
	}

	switch {
	case job.State == domain.StateCompleted && job.Result != nil:
		c.JSON(http.StatusOK, gin.H{
			"state":           domain.StateCompleted,
			"output":          job.Result.Output,
			"executionTime":   strconv.FormatInt(job.Result.ExecutionTimeMs, 10) + "ms",
			"executionTimeMs": job.Result.ExecutionTimeMs,
			"jobId":           job.ID,
			"language":        job.Language,
		})
	case job.Failure != nil:
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"state":    job.State,
			"error":    "Job failed or was cancelled",
			"details":  job.Failure.Message,
			"kind":     job.Failure.Kind,
			"jobId":    job.ID,
			"language": job.Language,
		})
	default:
		h.logger.Error("Job finished without an outcome",
			zap.String("job_id", job.ID.String()),
			zap.String("state", string(job.State)),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// Get handles GET /api/v1/submissions/:language/:id
func (h *SubmissionHandler) Get(c *gin.Context) {
	lang, id, ok := jobParams(c)
	if !ok {
		return
	}
	job, err := h.getJobUC.Execute(c.Request.Context(), lang, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

// Remove handles DELETE /api/v1/submissions/:language/:id
func (h *SubmissionHandler) Remove(c *gin.Context) {
	lang, id, ok := jobParams(c)
	if !ok {
		return
	}
	if err := h.removeUC.Execute(c.Request.Context(), lang, id); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubmissionHandler) badBody(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
}

func (h *SubmissionHandler) syncError(c *gin.Context, job *domain.Job, err error) {
	if errors.Is(err, domain.ErrWaitTimeout) && job != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":  err.Error(),
			"job_id": job.ID,
			"state":  job.State,
		})
		return
	}
	writeError(c, h.logger, err)
}

// jobParams parses the :language and :id path segments, answering 400 or
// 404 itself when they are unusable.
func jobParams(c *gin.Context) (domain.Language, uuid.UUID, bool) {
	lang, err := domain.ParseLanguage(c.Param("language"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job ID format"})
		return "", uuid.Nil, false
	}
	return lang, id, true
}
