package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/credentials"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageLoginFailed       = "Failed to connect to IndY. Please check your credentials and try again."
	messageMissingLogin      = "Username and password are required."
	messageMissingKey        = "Server encryption key is not configured."
	messagePersistenceFailed = "Failed to save IndY connection. Please try again."
)

type loginPayload struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type saveResponsePayload struct {
	Status        credentials.Status `json:"status"`
	TokenError    string             `json:"token_error,omitempty"`
	FallbackError string             `json:"fallback_error,omitempty"`
}

func (h *httpHandler) handleCredentialStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	status, err := h.credentials.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondCredentialError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSaveTokenOnly(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	payload, ok := bindLogin(c)
	if !ok {
		return
	}

	if err := h.credentials.SaveTokenOnly(c.Request.Context(), userID, payload.Username, payload.Password); err != nil {
		h.respondCredentialError(c, err)
		return
	}
	h.respondSaved(c, userID, credentials.SaveResult{})
}

func (h *httpHandler) handleSaveCredentials(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	payload, ok := bindLogin(c)
	if !ok {
		return
	}

	result, err := h.credentials.SaveCredentials(c.Request.Context(), userID, payload.Username, payload.Password)
	if err != nil && result.OK() {
		h.respondCredentialError(c, err)
		return
	}
	h.respondSaved(c, userID, result)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if err := h.credentials.Disconnect(c.Request.Context(), userID); err != nil {
		h.respondCredentialError(c, err)
		return
	}
	status, err := h.credentials.Status(c.Request.Context(), userID)
	if err != nil {
		h.respondCredentialError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func bindLogin(c *gin.Context) (loginPayload, bool) {
	var payload loginPayload
	if err := c.ShouldBind(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": messageMissingLogin})
		return loginPayload{}, false
	}
	return payload, true
}

// respondSaved reports the stored status; either write may have failed independently.
func (h *httpHandler) respondSaved(c *gin.Context, userID string, result credentials.SaveResult) {
	response := saveResponsePayload{}
	if result.TokenErr != nil {
		response.TokenError = serviceCode(result.TokenErr)
	}
	if result.FallbackErr != nil {
		response.FallbackError = serviceCode(result.FallbackErr)
	}

	status, err := h.credentials.Status(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("failed to load status after save", zap.Error(err))
	}
	response.Status = status

	if !result.OK() {
		c.JSON(http.StatusInternalServerError, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) respondCredentialError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, credentials.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": messageMissingLogin})
	case errors.Is(err, indy.ErrAuthFailure):
		c.JSON(http.StatusBadRequest, gin.H{"error": "indy_login_failed", "message": messageLoginFailed})
	case errors.Is(err, credentials.ErrConfiguration):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_misconfigured", "message": messageMissingKey})
	case errors.Is(err, credentials.ErrPersistence):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "persistence_failed", "message": messagePersistenceFailed})
	default:
		h.logger.Error("credential request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func serviceCode(err error) string {
	var serviceErr *credentials.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return err.Error()
}
