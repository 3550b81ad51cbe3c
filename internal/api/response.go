package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/worker"
	"github.com/gin-gonic/gin"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// validationErrors are reported to clients as 400 Bad Request.
var validationErrors = []error{
	models.ErrEmptyAccountName,
	models.ErrInvalidTransport,
	models.ErrInvalidAccountStatus,
	models.ErrMissingBotToken,
	models.ErrMissingSessionName,
	models.ErrMissingTwilioSettings,
	models.ErrEmptyFlowName,
	models.ErrFlowNameTooLong,
	models.ErrEmptyAccountID,
	models.ErrInvalidTriggerType,
	models.ErrEmptyKeyword,
	models.ErrInvalidStepType,
	models.ErrInvalidStepOrder,
	models.ErrDuplicateStepOrder,
	models.ErrTooManySteps,
	models.ErrMissingStepText,
	models.ErrTextTooLong,
	models.ErrMissingMediaSource,
	models.ErrEmptyChatID,
	models.ErrInvalidMediaKind,
	models.ErrUnsupportedSource,
	twiliowhatsapp.ErrInvalidWebhook,
}

// writeJSON marshals before writing headers so an encoding failure can still
// be reported as a 500.
func writeJSON(c *gin.Context, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSON: failed to marshal JSON response", "error", err, "path", c.FullPath())
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	c.Data(statusCode, "application/json", jsonData)
}

// abortJSON writes an error envelope and stops the handler chain.
func abortJSON(c *gin.Context, statusCode int, message string) {
	writeJSON(c, statusCode, models.Error(message))
	c.Abort()
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	var lockErr *lockfile.LockError
	switch {
	case errors.Is(err, models.ErrAccountNotFound),
		errors.Is(err, models.ErrFlowNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrWorkerNotRunning),
		errors.Is(err, worker.ErrAccountBanned),
		errors.Is(err, models.ErrFlowInactive),
		errors.Is(err, messaging.ErrServiceStopped),
		errors.Is(err, messaging.ErrDispatcherStopped),
		errors.As(err, &lockErr):
		return http.StatusConflict
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes it with the mapped status. Internal errors
// are not echoed to the client.
func writeError(c *gin.Context, op string, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "error", err, "path", c.Request.URL.Path)
		message = "Internal server error"
	} else {
		slog.Warn("Server."+op+": request rejected", "error", err, "status", status, "path", c.Request.URL.Path)
	}
	writeJSON(c, status, models.Error(message))
}
