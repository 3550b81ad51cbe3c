package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/gin-gonic/gin"
)

func (s *Server) createAccountHandler(c *gin.Context) {
	var acc models.Account
	if err := c.ShouldBindJSON(&acc); err != nil {
		slog.Warn("Server.createAccountHandler: failed to decode JSON", "error", err)
		writeJSON(c, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	acc.ID = ""
	acc.LastSeen = nil
	if err := acc.Validate(); err != nil {
		writeError(c, "createAccountHandler", err)
		return
	}

	created, err := s.store.CreateAccount(c.Request.Context(), acc)
	if err != nil {
		writeError(c, "createAccountHandler", err)
		return
	}
	slog.Info("Server.createAccountHandler: account created", "account_id", created.ID, "transport", created.Transport)
	writeJSON(c, http.StatusCreated, models.Success(created.Redacted()))
}

func (s *Server) listAccountsHandler(c *gin.Context) {
	accounts, err := s.store.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, "listAccountsHandler", err)
		return
	}
	out := make([]models.Account, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Redacted())
	}
	writeJSON(c, http.StatusOK, models.Success(out))
}

func (s *Server) getAccountHandler(c *gin.Context) {
	acc, err := s.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, "getAccountHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, models.Success(acc.Redacted()))
}

// deleteAccountHandler stops the account's worker before removing the account
// with its flows and conversations.
func (s *Server) deleteAccountHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetAccount(c.Request.Context(), id); err != nil {
		writeError(c, "deleteAccountHandler", err)
		return
	}
	if s.workers.StopWorker(id) {
		slog.Info("Server.deleteAccountHandler: stopped worker of deleted account", "account_id", id)
	}
	if err := s.store.DeleteAccount(c.Request.Context(), id); err != nil {
		writeError(c, "deleteAccountHandler", err)
		return
	}
	slog.Info("Server.deleteAccountHandler: account deleted", "account_id", id)
	writeJSON(c, http.StatusOK, models.SuccessWithMessage("Account deleted", gin.H{"deleted": id}))
}
