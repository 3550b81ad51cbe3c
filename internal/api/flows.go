package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/gin-gonic/gin"
)

// createFlowRequest is the body of POST /flows. Flows are active unless
// is_active is false.
type createFlowRequest struct {
	AccountID      string             `json:"account_id"`
	Name           string             `json:"name"`
	TriggerType    models.TriggerType `json:"trigger_type"`
	TriggerContent string             `json:"trigger_content"`
	IsActive       *bool              `json:"is_active"`
	Steps          []models.Step      `json:"steps"`
}

func (r createFlowRequest) flow() models.Flow {
	f := models.Flow{
		AccountID:      r.AccountID,
		Name:           r.Name,
		TriggerType:    r.TriggerType,
		TriggerContent: r.TriggerContent,
		IsActive:       true,
		Steps:          make([]models.Step, 0, len(r.Steps)),
	}
	if r.IsActive != nil {
		f.IsActive = *r.IsActive
	}
	for _, st := range r.Steps {
		f.Steps = append(f.Steps, models.Step{Order: st.Order, Type: st.Type, Payload: st.Payload})
	}
	return f
}

type toggleFlowRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) createFlowHandler(c *gin.Context) {
	var req createFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	f := req.flow()
	if err := f.Validate(); err != nil {
		writeError(c, "createFlowHandler", err)
		return
	}

	created, err := s.store.CreateFlow(c.Request.Context(), f)
	if err != nil {
		writeError(c, "createFlowHandler", err)
		return
	}
	slog.Info("Server.createFlowHandler: flow created", "flow_id", created.ID, "account_id", created.AccountID,
		"trigger_type", created.TriggerType, "steps", len(created.Steps))
	writeJSON(c, http.StatusCreated, models.Success(created))
}

func (s *Server) listFlowsHandler(c *gin.Context) {
	flows, err := s.store.ListFlows(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		writeError(c, "listFlowsHandler", err)
		return
	}
	if flows == nil {
		flows = []models.Flow{}
	}
	writeJSON(c, http.StatusOK, models.Success(flows))
}

func (s *Server) getFlowHandler(c *gin.Context) {
	f, err := s.store.GetFlow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "getFlowHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, models.Success(f))
}

func (s *Server) deleteFlowHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteFlow(c.Request.Context(), id); err != nil {
		writeError(c, "deleteFlowHandler", err)
		return
	}
	slog.Info("Server.deleteFlowHandler: flow deleted", "flow_id", id)
	writeJSON(c, http.StatusOK, models.SuccessWithMessage("Flow deleted", gin.H{"deleted": id}))
}

// toggleFlowHandler sets is_active from the body, or flips it when the body is empty.
func (s *Server) toggleFlowHandler(c *gin.Context) {
	id := c.Param("id")
	var req toggleFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Server.toggleFlowHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	f, err := s.store.GetFlow(c.Request.Context(), id)
	if err != nil {
		writeError(c, "toggleFlowHandler", err)
		return
	}
	active := !f.IsActive
	if req.IsActive != nil {
		active = *req.IsActive
	}
	if err := s.store.SetFlowActive(c.Request.Context(), id, active); err != nil {
		writeError(c, "toggleFlowHandler", err)
		return
	}
	slog.Info("Server.toggleFlowHandler: flow toggled", "flow_id", id, "is_active", active)
	writeJSON(c, http.StatusOK, models.Success(gin.H{"flow_id": id, "is_active": active}))
}

// startFlowHandler runs a flow for a sender through the account's running
// worker. chat_id defaults to sender_id.
func (s *Server) startFlowHandler(c *gin.Context) {
	var req models.StartFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Server.startFlowHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("sender_id is required"))
		return
	}
	ctx := c.Request.Context()

	f, err := s.store.GetFlow(ctx, c.Param("id"))
	if err != nil {
		writeError(c, "startFlowHandler", err)
		return
	}
	if !f.IsActive {
		writeError(c, "startFlowHandler", fmt.Errorf("%w: %s", models.ErrFlowInactive, f.ID))
		return
	}
	svc, err := s.workers.Service(f.AccountID)
	if err != nil {
		writeError(c, "startFlowHandler", err)
		return
	}
	dispatcher, err := s.workers.Dispatcher(f.AccountID)
	if err != nil {
		writeError(c, "startFlowHandler", err)
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = req.SenderID
	}
	chatID, err = svc.CanonicalizeChatID(chatID)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	res, err := dispatcher.StartFlow(ctx, f.ID, req.SenderID, chatID)
	if err != nil {
		writeError(c, "startFlowHandler", err)
		return
	}
	slog.Info("Server.startFlowHandler: flow started", "flow_id", f.ID, "sender_id", req.SenderID,
		"conversation_id", res.Conversation.ID, "actions", len(res.Actions))
	writeJSON(c, http.StatusOK, models.Success(res))
}

func (s *Server) listConversationsHandler(c *gin.Context) {
	convs, err := s.store.ListConversations(c.Request.Context(), c.Query("account_id"))
	if err != nil {
		writeError(c, "listConversationsHandler", err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(c, http.StatusOK, models.Success(convs))
}
