package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/gateway"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) authorizeCron(c *gin.Context) {
	err := h.gateway.Authenticate(c.GetHeader("Authorization"))
	if err == nil {
		c.Next()
		return
	}
	status, message := gateway.AuthStatus(err)
	if errors.Is(err, gateway.ErrMisconfigured) {
		h.logger.Error("cron trigger rejected: secret not configured", zap.String("path", c.FullPath()))
	} else {
		h.logger.Warn("cron trigger rejected", zap.String("path", c.FullPath()), zap.String("client_ip", c.ClientIP()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// Sync passes run to completion even if the trigger caller disconnects.
func syncContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h *httpHandler) handleSyncAll(c *gin.Context) {
	report, status := h.gateway.RunAll(syncContext(c))
	c.JSON(status, report)
}

func (h *httpHandler) handleSyncResource(c *gin.Context) {
	resource, ok := gateway.ResourceFromPath(c.Param("resource"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_resource"})
		return
	}
	result, status, ok := h.gateway.RunOne(syncContext(c), resource)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_resource"})
		return
	}
	c.JSON(status, result)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	states, err := h.gateway.States(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load sync state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync_state_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}
