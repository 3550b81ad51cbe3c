package api

import (
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/gin-gonic/gin"
)

func (s *Server) startWorkerHandler(c *gin.Context) {
	id := c.Param("account_id")
	started, err := s.workers.StartWorker(c.Request.Context(), id)
	if err != nil {
		writeError(c, "startWorkerHandler", err)
		return
	}
	writeJSON(c, http.StatusOK, models.Success(gin.H{"account_id": id, "started": started}))
}

func (s *Server) stopWorkerHandler(c *gin.Context) {
	id := c.Param("account_id")
	stopped := s.workers.StopWorker(id)
	writeJSON(c, http.StatusOK, models.Success(gin.H{"account_id": id, "stopped": stopped}))
}

func (s *Server) workerStatusHandler(c *gin.Context) {
	id := c.Param("account_id")
	writeJSON(c, http.StatusOK, models.Success(models.WorkerStatus{AccountID: id, Status: s.workers.Status(id)}))
}

func (s *Server) listWorkersHandler(c *gin.Context) {
	writeJSON(c, http.StatusOK, models.Success(s.workers.List()))
}
