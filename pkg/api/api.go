// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package api exposes the orchestrator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/configuration"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/logger"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/sentry"
)

// Configurator is the part of the orchestrator the API drives.
type Configurator interface {
	ApplyConfiguration(ctx context.Context, cfg models.Configuration) *configuration.ConfigurationReport
	Snapshot(ctx context.Context, id int64) (models.Entity, bool, error)
	RemoveEquipmentFromProcess(ctx context.Context, equipmentID, processID int64) error
}

// EntityResponse is the body of GET /api/v1/entities/:id.
type EntityResponse struct {
	Kind    models.EntityKind `json:"kind"`
	Entity  models.Entity     `json:"entity"`
	Running *bool             `json:"running,omitempty"`
}

type handlers struct {
	c            Configurator
	batchTimeout time.Duration
	log          *zap.SugaredLogger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(c Configurator, batchTimeout time.Duration) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	h := &handlers{c: c, batchTimeout: batchTimeout, log: logger.For(logger.ComponentAPI)}

	// Logs every request with its status and latency in UTC RFC3339.
	router.Use(ginzap.Ginzap(h.log.Desugar(), time.RFC3339, true))
	// Logs panics with their stack and answers 500.
	router.Use(ginzap.RecoveryWithZap(h.log.Desugar(), true))
	router.Use(h.reportPanics)
	// Reports for large batches compress well.
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "online")
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/configurations", h.applyConfiguration)
		v1.GET("/entities/:id", h.getEntity)
		v1.POST("/processes/:id/equipment/:equipmentId/detach", h.detachEquipment)
	}

	return router
}

// NewServer wraps router in an http.Server listening on port.
func NewServer(port int, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// reportPanics forwards a handler panic to sentry and hands it on to the
// recovery middleware.
func (h *handlers) reportPanics(c *gin.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("panic while handling %s %s: %v", c.Request.Method, c.FullPath(), recovered)
			sentry.ReportIssue(err, sentry.IssueTypeError, h.log)
			panic(recovered)
		}
	}()
	c.Next()
}

func (h *handlers) respondError(c *gin.Context, status int, err error, message string) {
	if status >= http.StatusInternalServerError {
		h.log.Errorw(message, "error", err, "path", c.FullPath())
	} else {
		h.log.Debugw(message, "error", err, "path", c.FullPath())
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   err.Error(),
		"status":  status,
		"message": message,
	})
}

// applyConfiguration runs one batch. A report with a failed element is
// answered with 207 so callers can tell partial success apart.
func (h *handlers) applyConfiguration(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.respondError(c, http.StatusBadRequest, err, "Failed to read the request body.")

		return
	}

	var cfg models.Configuration
	if err := json.Unmarshal(body, &cfg); err != nil {
		h.respondError(c, http.StatusBadRequest, err, "The body is not a valid configuration batch.")

		return
	}
	if len(cfg.Elements) == 0 {
		h.respondError(c, http.StatusBadRequest, errors.New("no elements"), "The batch must contain at least one element.")

		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.batchTimeout)
	defer cancel()

	report := h.c.ApplyConfiguration(ctx, cfg)

	status := http.StatusOK
	if report.Failed() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

func (h *handlers) getEntity(c *gin.Context) {
	id, ok := h.idParam(c, "id")
	if !ok {
		return
	}

	e, running, err := h.c.Snapshot(c.Request.Context(), id)
	if err != nil {
		h.respondLookupError(c, id, err)

		return
	}

	resp := EntityResponse{Kind: e.Kind(), Entity: e}
	if e.Kind() == models.KindProcess {
		resp.Running = &running
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) detachEquipment(c *gin.Context) {
	processID, ok := h.idParam(c, "id")
	if !ok {
		return
	}
	equipmentID, ok := h.idParam(c, "equipmentId")
	if !ok {
		return
	}

	if err := h.c.RemoveEquipmentFromProcess(c.Request.Context(), equipmentID, processID); err != nil {
		h.respondLookupError(c, processID, err)

		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, http.StatusBadRequest, fmt.Errorf("invalid %s %q", name, c.Param(name)), "Entity ids are positive integers.")

		return 0, false
	}

	return id, true
}

func (h *handlers) respondLookupError(c *gin.Context, id int64, err error) {
	switch {
	case configuration.IsKind(err, configuration.KindEntityNotFound):
		h.respondError(c, http.StatusNotFound, err, fmt.Sprintf("Entity %d was not found.", id))
	case configuration.IsKind(err, configuration.KindNotAttempted):
		h.respondError(c, http.StatusServiceUnavailable, err, fmt.Sprintf("Entity %d is busy, try again.", id))
	default:
		h.respondError(c, http.StatusInternalServerError, err, "The server had an internal error.")
	}
}
