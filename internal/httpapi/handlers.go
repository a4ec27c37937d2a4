package httpapi

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/fleet"
	"github.com/matheus3301/wafleet/internal/media"
	"github.com/matheus3301/wafleet/internal/state"
)

// errorResponse is the error envelope for every endpoint.
type errorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

const (
	errCodeBadRequest = "bad_request"
	errCodeNotFound   = "not_found"
	errCodeConflict   = "conflict"
	errCodeInternal   = "internal_error"
)

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{
		RequestID: c.Writer.Header().Get(requestIDHeader),
		Code:      code,
		Message:   msg,
	})
}

// failErr maps domain errors to HTTP statuses.
func failErr(c *gin.Context, err error) {
	var unknown *fleet.ErrUnknownClient
	if errors.As(err, &unknown) {
		fail(c, http.StatusNotFound, errCodeNotFound, err.Error())
		return
	}
	fail(c, http.StatusInternalServerError, errCodeInternal, err.Error())
}

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

type clientSummary struct {
	Number    string    `json:"number"`
	State     string    `json:"state"`
	EnteredAt time.Time `json:"entered_at"`
	Healthy   bool      `json:"healthy"`
}

func (h *handlers) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.deps.Monitor != nil {
		sum := h.deps.Monitor.GetSummary()
		body["clients_total"] = sum.Total
		body["clients_healthy"] = sum.Healthy
		body["clients_unhealthy"] = sum.Unhealthy
	}
	c.JSON(http.StatusOK, body)
}

func (h *handlers) listClients(c *gin.Context) {
	snapshot := h.deps.States.Snapshot()
	out := make([]clientSummary, 0, len(snapshot))
	for number, cs := range snapshot {
		out = append(out, clientSummary{
			Number:    number,
			State:     string(cs.State),
			EnteredAt: cs.EnteredAt,
			Healthy:   cs.State == state.Authenticated || cs.State == state.Ready,
		})
	}
	c.JSON(http.StatusOK, gin.H{"clients": out})
}

func (h *handlers) addClient(c *gin.Context) {
	var req struct {
		Number string `json:"number" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, errCodeBadRequest, "number is required")
		return
	}
	if err := fleet.ValidateNumber(req.Number); err != nil {
		fail(c, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	if err := h.deps.Manager.AddClient(c.Request.Context(), req.Number); err != nil {
		fail(c, http.StatusConflict, errCodeConflict, err.Error())
		return
	}
	h.persistClients()
	c.JSON(http.StatusCreated, gin.H{"number": req.Number})
}

func (h *handlers) removeClient(c *gin.Context) {
	number := c.Param("number")
	if err := h.deps.Manager.RemoveClient(c.Request.Context(), number); err != nil {
		failErr(c, err)
		return
	}
	h.persistClients()
	c.Status(http.StatusNoContent)
}

func (h *handlers) persistClients() {
	if h.deps.SaveClients == nil {
		return
	}
	if err := h.deps.SaveClients(h.deps.Manager.ClientIDs()); err != nil {
		h.logger.Warn("fleet config save failed", zap.Error(err))
	}
}

func (h *handlers) clientState(c *gin.Context) {
	number := c.Param("number")
	cs, ok := h.deps.States.GetState(number)
	if !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown client "+number)
		return
	}

	history := h.deps.States.History(number)
	transitions := make([]gin.H, 0, len(history))
	for _, tr := range history {
		transitions = append(transitions, gin.H{
			"from":     string(tr.From),
			"to":       string(tr.To),
			"at":       tr.At,
			"metadata": tr.Metadata,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"number":     number,
		"state":      string(cs.State),
		"previous":   string(cs.Previous),
		"entered_at": cs.EnteredAt,
		"metadata":   cs.Metadata,
		"history":    transitions,
	})
}

// clientQR returns the current pairing code, as PNG by default or as JSON
// with ?format=text.
func (h *handlers) clientQR(c *gin.Context) {
	number := c.Param("number")
	code, ok := h.deps.Manager.QR(number)
	if !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "no pairing code for client "+number)
		return
	}

	if c.Query("format") == "text" {
		c.JSON(http.StatusOK, gin.H{"number": number, "code": code})
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		fail(c, http.StatusInternalServerError, errCodeInternal, "encode qr: "+err.Error())
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handlers) forceReconnect(c *gin.Context) {
	number := c.Param("number")
	if err := h.deps.Manager.ForceReconnect(c.Request.Context(), number); err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"number": number, "status": "reconnecting"})
}

func (h *handlers) sendMessage(c *gin.Context) {
	number := c.Param("number")
	var req struct {
		ChatID string `json:"chat_id" binding:"required"`
		Text   string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, errCodeBadRequest, "chat_id and text are required")
		return
	}

	msgID, err := h.deps.Manager.SendMessage(c.Request.Context(), number, req.ChatID, req.Text)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message_id": msgID})
}

func (h *handlers) listChats(c *gin.Context) {
	number := c.Param("number")
	if _, ok := h.deps.States.GetState(number); !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown client "+number)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready": h.deps.Cache.IsReady(number),
		"chats": h.deps.Cache.AllChats(number),
	})
}

func (h *handlers) listUnreadChats(c *gin.Context) {
	number := c.Param("number")
	if _, ok := h.deps.States.GetState(number); !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown client "+number)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": h.deps.Cache.UnreadChats(number)})
}

func (h *handlers) listGroups(c *gin.Context) {
	number := c.Param("number")
	if _, ok := h.deps.States.GetState(number); !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown client "+number)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": h.deps.Cache.AllGroups(number)})
}

// clientPicture resolves a chat's profile picture URL live from the session.
func (h *handlers) clientPicture(c *gin.Context) {
	number := c.Param("number")
	chatID := c.Query("chat")
	if chatID == "" {
		fail(c, http.StatusBadRequest, errCodeBadRequest, "chat query parameter is required")
		return
	}

	sess, ok := h.deps.Manager.Session(number)
	if !ok {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown client "+number)
		return
	}
	url, err := sess.ProfilePicURL(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "url": url})
}

func (h *handlers) mediaStatus(c *gin.Context) {
	id := c.Param("id")
	info := h.deps.Pipeline.GetStatus(id)
	if info.Status == "" {
		fail(c, http.StatusNotFound, errCodeNotFound, "unknown media job "+id)
		return
	}

	body := gin.H{"message_id": id, "status": string(info.Status)}
	if info.Status == media.StatusQueued && info.Position > 0 {
		body["position"] = info.Position
	}
	if r := info.Result; r != nil {
		body["media_type"] = r.MediaType
		body["completed_at"] = r.CompletedAt
		if r.Inline != "" {
			body["data"] = r.Inline
		}
		if r.URL != "" {
			body["url"] = r.URL
		}
		if r.Error != "" {
			body["error"] = r.Error
		}
	}
	c.JSON(http.StatusOK, body)
}

// mediaFile streams a persisted heavy-media file.
func (h *handlers) mediaFile(c *gin.Context) {
	id := c.Param("id")
	r := h.deps.Pipeline.GetResult(id)
	if r == nil || r.Status != media.StatusCompleted || r.FilePath == "" {
		fail(c, http.StatusNotFound, errCodeNotFound, "no media file for message "+id)
		return
	}
	if _, err := os.Stat(r.FilePath); err != nil {
		fail(c, http.StatusNotFound, errCodeNotFound, "media file expired")
		return
	}
	c.File(r.FilePath)
}

func (h *handlers) mediaStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pipeline.GetStats())
}

func (h *handlers) reconnectStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": h.deps.Manager.ReconnectStatuses()})
}

func (h *handlers) watchdogReports(c *gin.Context) {
	if h.deps.Monitor == nil {
		fail(c, http.StatusNotFound, errCodeNotFound, "watchdog disabled")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"summary": h.deps.Monitor.GetSummary(),
		"reports": h.deps.Monitor.Reports(),
	})
}
