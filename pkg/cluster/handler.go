package cluster

import (
	"net/http"
	"sync"

	"github.com/dhis2-sre/dask-k8s/internal/handler"
	"github.com/gin-gonic/gin"
)

// NewHandler creates a handler controlling cluster. Requests are served one at a time.
func NewHandler(cluster *Cluster) Handler {
	return Handler{
		mu:      &sync.Mutex{},
		cluster: cluster,
	}
}

type Handler struct {
	mu      *sync.Mutex
	cluster *Cluster
}

// Status responds with the state of the cluster including its ready workers.
func (h Handler) Status(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	status, err := h.cluster.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, status)
}

type ScaleRequest struct {
	Workers *int `json:"workers" binding:"required"`
	// Wait blocks the request until the workers are ready.
	Wait bool `json:"wait"`
}

// Scale sets the number of workers. The response is sent once the deployment is patched unless the
// request asks to wait for the workers to be ready.
func (h Handler) Scale(c *gin.Context) {
	var request ScaleRequest
	if err := handler.DataBinder(c, &request); err != nil {
		_ = c.Error(err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	reached, err := h.cluster.Scale(c.Request.Context(), *request.Workers, request.Wait)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if reached != nil {
		c.JSON(http.StatusOK, reached)
		return
	}
	status, err := h.cluster.Status(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

// Workers responds with the workers connected to the scheduler.
func (h Handler) Workers(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, err := h.cluster.MakeClient(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	workers, err := client.Workers(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, workers)
}
