package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/gin-gonic/gin"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a Twilio webhook without replying.
var emptyTwiML = []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)

func (s *Server) sendTextHandler(c *gin.Context) {
	var req models.SendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Server.sendTextHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("chat_id and text are required"))
		return
	}
	if len(req.Text) > models.MaxTextLength {
		writeError(c, "sendTextHandler", models.ErrTextTooLong)
		return
	}
	svc, chatID, ok := s.resolveRecipient(c, "sendTextHandler", req.ChatID)
	if !ok {
		return
	}
	if err := svc.SendText(c.Request.Context(), chatID, req.Text); err != nil {
		s.writeSendError(c, "sendTextHandler", err)
		return
	}
	slog.Info("Server.sendTextHandler: message sent", "account_id", c.Param("account_id"), "chat_id", chatID)
	writeJSON(c, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

func (s *Server) sendFileHandler(c *gin.Context) {
	var req models.SendFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Server.sendFileHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("chat_id is required"))
		return
	}
	media := req.Media()
	if err := media.Validate(); err != nil {
		writeError(c, "sendFileHandler", err)
		return
	}
	svc, chatID, ok := s.resolveRecipient(c, "sendFileHandler", req.ChatID)
	if !ok {
		return
	}
	if err := svc.SendMedia(c.Request.Context(), chatID, media); err != nil {
		s.writeSendError(c, "sendFileHandler", err)
		return
	}
	slog.Info("Server.sendFileHandler: media sent", "account_id", c.Param("account_id"), "chat_id", chatID, "kind", media.Kind)
	writeJSON(c, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

// resolveRecipient looks up the running service of the account in the path
// and canonicalizes chatID for it. It writes the error response itself.
func (s *Server) resolveRecipient(c *gin.Context, op, chatID string) (messaging.Service, string, bool) {
	svc, err := s.workers.Service(c.Param("account_id"))
	if err != nil {
		writeError(c, op, err)
		return nil, "", false
	}
	canonical, err := svc.CanonicalizeChatID(chatID)
	if err != nil {
		slog.Warn("Server."+op+": recipient validation failed", "error", err, "chat_id", chatID)
		writeJSON(c, http.StatusBadRequest, models.Error(err.Error()))
		return nil, "", false
	}
	return svc, canonical, true
}

func (s *Server) writeSendError(c *gin.Context, op string, err error) {
	if statusForError(err) != http.StatusInternalServerError {
		writeError(c, op, err)
		return
	}
	slog.Error("Server."+op+": failed to send message", "error", err, "account_id", c.Param("account_id"))
	writeJSON(c, http.StatusBadGateway, models.Error("Failed to send message"))
}

// twilioWebhookHandler accepts inbound Twilio form posts for a running
// Twilio account and hands them to its worker.
func (s *Server) twilioWebhookHandler(c *gin.Context) {
	id := c.Param("account_id")
	svc, err := s.workers.Service(id)
	if err != nil {
		writeError(c, "twilioWebhookHandler", err)
		return
	}
	tw, ok := svc.(*messaging.TwilioService)
	if !ok {
		slog.Warn("Server.twilioWebhookHandler: account is not a twilio account", "account_id", id, "transport", svc.Transport())
		writeJSON(c, http.StatusBadRequest, models.Error("account is not a twilio account"))
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}

	if !tw.VerifySignature(s.webhookURL(c), c.Request.PostForm, c.GetHeader(twilioSignatureHeader)) {
		slog.Warn("Server.twilioWebhookHandler: invalid signature", "account_id", id)
		writeJSON(c, http.StatusForbidden, models.Error("Invalid signature"))
		return
	}
	if err := tw.HandleWebhook(c.Request.PostForm); err != nil {
		writeError(c, "twilioWebhookHandler", err)
		return
	}
	c.Data(http.StatusOK, "application/xml", emptyTwiML)
}

// webhookURL rebuilds the URL Twilio signed, preferring the configured public URL.
func (s *Server) webhookURL(c *gin.Context) string {
	base := strings.TrimRight(s.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + c.Request.URL.RequestURI()
}
