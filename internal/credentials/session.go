package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/vault"
	"go.uber.org/zap"
)

var errNoServiceAccount = errors.New("no service username/password or service user id configured")

// ServiceAccount selects how the scheduled jobs obtain an authenticated IndY session.
// Username and Password take precedence over UserID.
type ServiceAccount struct {
	Username string
	Password string
	UserID   string
}

// ServiceSession resolves an access token for the configured service account.
type ServiceSession struct {
	service *Service
	account ServiceAccount
}

// ServiceSession binds the store to a service account.
func (s *Service) ServiceSession(account ServiceAccount) *ServiceSession {
	return &ServiceSession{
		service: s,
		account: ServiceAccount{
			Username: strings.TrimSpace(account.Username),
			Password: account.Password,
			UserID:   strings.TrimSpace(account.UserID),
		},
	}
}

// AccessToken returns a fresh access token. When the stored refresh token is
// rejected and a password fallback exists, it logs in again and stores the new
// refresh token.
func (ss *ServiceSession) AccessToken(ctx context.Context) (string, error) {
	s := ss.service
	switch {
	case ss.account.Username != "" && ss.account.Password != "":
		tokens, err := s.upstream.Login(ctx, ss.account.Username, ss.account.Password)
		if err != nil {
			s.logError(opServiceSession, "login_failed", err)
			return "", newServiceError(opServiceSession, "login_failed", nil, err)
		}
		return tokens.AccessToken, nil
	case ss.account.UserID != "":
		return ss.refreshStored(ctx, ss.account.UserID)
	default:
		return "", newServiceError(opServiceSession, "missing_account", ErrConfiguration, errNoServiceAccount)
	}
}

func (ss *ServiceSession) refreshStored(ctx context.Context, userID string) (string, error) {
	s := ss.service
	credential, err := s.findCredential(ctx, userID)
	if err != nil {
		s.logError(opServiceSession, "token_select_failed", err, zap.String("user_id", userID))
		return "", newServiceError(opServiceSession, "token_select_failed", ErrPersistence, err)
	}
	if credential == nil {
		return "", newServiceError(opServiceSession, "not_connected", ErrNotConnected, nil)
	}

	tokens, refreshErr := s.upstream.Refresh(ctx, credential.RefreshToken)
	if refreshErr == nil {
		return tokens.AccessToken, nil
	}
	if !errors.Is(refreshErr, indy.ErrRefreshFailure) {
		s.logError(opServiceSession, "refresh_failed", refreshErr, zap.String("user_id", userID))
		return "", newServiceError(opServiceSession, "refresh_failed", nil, refreshErr)
	}

	fallback, err := s.findFallback(ctx, userID)
	if err != nil {
		s.logError(opServiceSession, "fallback_select_failed", err, zap.String("user_id", userID))
		return "", newServiceError(opServiceSession, "fallback_select_failed", ErrPersistence, err)
	}
	if fallback == nil {
		s.logger.Warn("indy refresh rejected and no fallback stored", zap.String("user_id", userID))
		return "", newServiceError(opServiceSession, "refresh_failed", nil, refreshErr)
	}

	if s.encryptionKey == "" {
		return "", newServiceError(opServiceSession, "missing_encryption_key", ErrConfiguration, errMissingKey)
	}
	password, err := vault.Decrypt(fallback.EncryptedPassword, s.encryptionKey)
	if err != nil {
		s.logError(opServiceSession, "decrypt_failed", err, zap.String("user_id", userID))
		if errors.Is(err, vault.ErrInvalidArgument) {
			return "", newServiceError(opServiceSession, "decrypt_failed", ErrConfiguration, err)
		}
		return "", newServiceError(opServiceSession, "decrypt_failed", nil, err)
	}

	relogin, err := s.upstream.Login(ctx, fallback.Username, password)
	if err != nil {
		s.logError(opServiceSession, "fallback_login_failed", err, zap.String("user_id", userID))
		return "", newServiceError(opServiceSession, "fallback_login_failed", nil, err)
	}
	if err := s.upsertCredential(ctx, userID, relogin.RefreshToken); err != nil {
		// Best effort; the access token is still usable.
		s.logError(opServiceSession, "token_upsert_failed", err, zap.String("user_id", userID))
	}

	s.logger.Info("indy session restored from fallback", zap.String("user_id", userID))
	return relogin.AccessToken, nil
}
