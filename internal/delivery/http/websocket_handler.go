package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/usecase"
)

const wsWriteWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams job state changes to a client.
type WebSocketHandler struct {
	getJobUC *usecase.GetJobUsecase
	logger   *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(getJobUC *usecase.GetJobUsecase, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		getJobUC: getJobUC,
		logger:   logger,
	}
}

// Stream handles GET /api/v1/submissions/:language/:id/stream. It sends the
// current state, then the terminal state once the job finishes, then closes.
func (h *WebSocketHandler) Stream(c *gin.Context) {
	lang, id, ok := jobParams(c)
	if !ok {
		return
	}
	job, err := h.getJobUC.Execute(c.Request.Context(), lang, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// A hijacked connection outlives request cancellation, so the read
	// side decides when the client is gone.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if !h.send(conn, job) {
		return
	}
	if !job.State.IsTerminal() && job.State != domain.StateRemoved {
		job, err = h.getJobUC.Await(ctx, lang, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Warn("WebSocket wait failed", zap.String("job_id", id.String()), zap.Error(err))
			}
			return
		}
		if !h.send(conn, job) {
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State)),
		time.Now().Add(wsWriteWait))
	h.logger.Debug("Job reached terminal state, closing WebSocket", zap.String("job_id", id.String()))
}

func (h *WebSocketHandler) send(conn *websocket.Conn, job *domain.Job) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(newJobResponse(job)); err != nil {
		h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
		return false
	}
	return true
}
