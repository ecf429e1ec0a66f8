// Package credentials stores each user's IndY refresh token and, optionally,
// a sealed password fallback. A user is in at most one mode at a time.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/vault"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshTokenTTL is the validity window recorded for every stored refresh token.
const RefreshTokenTTL = 30 * 24 * time.Hour

const validUntilLayout = "2006-01-02"

var noOpLogger = zap.NewNop()

// Authenticator performs the IndY token exchanges.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (indy.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (indy.TokenSet, error)
}

// ServiceConfig describes the dependencies of the credential store.
type ServiceConfig struct {
	Database      *gorm.DB
	Upstream      Authenticator
	EncryptionKey string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service implements the per-user credential operations.
type Service struct {
	db            *gorm.DB
	upstream      Authenticator
	encryptionKey string
	clock         func() time.Time
	logger        *zap.Logger
}

// SaveResult reports the two independent writes of SaveCredentials.
// Either may fail while the other succeeds; nothing is rolled back.
type SaveResult struct {
	TokenErr    error
	FallbackErr error
}

// OK reports whether both writes succeeded.
func (r SaveResult) OK() bool {
	return r.TokenErr == nil && r.FallbackErr == nil
}

// NewService validates dependencies and builds the credential store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", ErrConfiguration, errMissingDatabase)
	}
	if cfg.Upstream == nil {
		return nil, newServiceError(opServiceNew, "missing_upstream", ErrConfiguration, errMissingUpstream)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:            cfg.Database,
		upstream:      cfg.Upstream,
		encryptionKey: strings.TrimSpace(cfg.EncryptionKey),
		clock:         clock,
		logger:        logger,
	}, nil
}

// SaveTokenOnly validates the login upstream, stores only the refresh token,
// and removes any password fallback the user had.
func (s *Service) SaveTokenOnly(ctx context.Context, userID, username, password string) error {
	tokens, err := s.login(ctx, opSaveTokenOnly, userID, username, password)
	if err != nil {
		return err
	}

	if err := s.upsertCredential(ctx, userID, tokens.RefreshToken); err != nil {
		s.logError(opSaveTokenOnly, "token_upsert_failed", err, zap.String("user_id", userID))
		return newServiceError(opSaveTokenOnly, "token_upsert_failed", ErrPersistence, err)
	}

	if err := s.deleteFallback(ctx, userID); err != nil {
		s.logError(opSaveTokenOnly, "fallback_delete_failed", err, zap.String("user_id", userID))
		return newServiceError(opSaveTokenOnly, "fallback_delete_failed", ErrPersistence, err)
	}

	s.logger.Info("indy token saved", zap.String("user_id", userID), zap.String("mode", string(ModeTokenOnly)))
	return nil
}

// SaveCredentials validates the login upstream, then writes the refresh token
// and the sealed password. Both writes are attempted regardless of the other's
// outcome; the returned SaveResult reports each one.
func (s *Service) SaveCredentials(ctx context.Context, userID, username, password string) (SaveResult, error) {
	tokens, err := s.login(ctx, opSaveCredentials, userID, username, password)
	if err != nil {
		return SaveResult{}, err
	}

	if s.encryptionKey == "" {
		s.logError(opSaveCredentials, "missing_encryption_key", errMissingKey)
		return SaveResult{}, newServiceError(opSaveCredentials, "missing_encryption_key", ErrConfiguration, errMissingKey)
	}
	sealed, err := vault.Encrypt(password, s.encryptionKey)
	if err != nil {
		s.logError(opSaveCredentials, "encrypt_failed", err)
		return SaveResult{}, newServiceError(opSaveCredentials, "encrypt_failed", ErrConfiguration, err)
	}

	var result SaveResult
	if err := s.upsertCredential(ctx, userID, tokens.RefreshToken); err != nil {
		s.logError(opSaveCredentials, "token_upsert_failed", err, zap.String("user_id", userID))
		result.TokenErr = newServiceError(opSaveCredentials, "token_upsert_failed", ErrPersistence, err)
	}
	if err := s.upsertFallback(ctx, userID, strings.TrimSpace(username), sealed); err != nil {
		s.logError(opSaveCredentials, "fallback_upsert_failed", err, zap.String("user_id", userID))
		result.FallbackErr = newServiceError(opSaveCredentials, "fallback_upsert_failed", ErrPersistence, err)
	}
	if !result.OK() {
		return result, errors.Join(result.TokenErr, result.FallbackErr)
	}

	s.logger.Info("indy token saved", zap.String("user_id", userID), zap.String("mode", string(ModeCredentials)))
	return result, nil
}

// Disconnect removes both records. Missing records are not an error.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newServiceError(opDisconnect, "missing_user_id", ErrValidation, errMissingUserID)
	}

	var errs []error
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&Credential{}).Error; err != nil {
		s.logError(opDisconnect, "token_delete_failed", err, zap.String("user_id", userID))
		errs = append(errs, newServiceError(opDisconnect, "token_delete_failed", ErrPersistence, err))
	}
	if err := s.deleteFallback(ctx, userID); err != nil {
		s.logError(opDisconnect, "fallback_delete_failed", err, zap.String("user_id", userID))
		errs = append(errs, newServiceError(opDisconnect, "fallback_delete_failed", ErrPersistence, err))
	}
	return errors.Join(errs...)
}

// Status reports whether the user is connected and in which mode.
func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Status{}, newServiceError(opStatus, "missing_user_id", ErrValidation, errMissingUserID)
	}

	credential, err := s.findCredential(ctx, userID)
	if err != nil {
		s.logError(opStatus, "token_select_failed", err, zap.String("user_id", userID))
		return Status{}, newServiceError(opStatus, "token_select_failed", ErrPersistence, err)
	}
	fallback, err := s.findFallback(ctx, userID)
	if err != nil {
		s.logError(opStatus, "fallback_select_failed", err, zap.String("user_id", userID))
		return Status{}, newServiceError(opStatus, "fallback_select_failed", ErrPersistence, err)
	}

	status := Status{
		Connected:            credential != nil,
		HasStoredCredentials: fallback != nil,
	}
	if credential != nil {
		expiresAt := credential.ValidUntil
		status.ExpiresAt = &expiresAt
	}
	switch {
	case fallback != nil:
		mode := ModeCredentials
		status.Mode = &mode
	case credential != nil:
		mode := ModeTokenOnly
		status.Mode = &mode
	}
	return status, nil
}

func (s *Service) login(ctx context.Context, operation, userID, username, password string) (indy.TokenSet, error) {
	if strings.TrimSpace(userID) == "" {
		return indy.TokenSet{}, newServiceError(operation, "missing_user_id", ErrValidation, errMissingUserID)
	}
	if strings.TrimSpace(username) == "" || password == "" {
		return indy.TokenSet{}, newServiceError(operation, "missing_login", ErrValidation, errBlankLogin)
	}

	tokens, err := s.upstream.Login(ctx, strings.TrimSpace(username), password)
	if err != nil {
		s.logger.Warn("indy login failed",
			zap.String("operation", operation),
			zap.String("user_id", userID),
			zap.Error(err))
		return indy.TokenSet{}, newServiceError(operation, "login_failed", nil, err)
	}
	return tokens, nil
}

func (s *Service) validUntil() string {
	return s.clock().UTC().Add(RefreshTokenTTL).Format(validUntilLayout)
}

func (s *Service) upsertCredential(ctx context.Context, userID, refreshToken string) error {
	record := Credential{
		UserID:       userID,
		RefreshToken: refreshToken,
		ValidUntil:   s.validUntil(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"refresh_token", "valid_until"}),
	}).Create(&record).Error
}

func (s *Service) upsertFallback(ctx context.Context, userID, username, sealedPassword string) error {
	record := CredentialFallback{
		UserID:            userID,
		Username:          username,
		EncryptedPassword: sealedPassword,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "encrypted_password"}),
	}).Create(&record).Error
}

func (s *Service) deleteFallback(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&CredentialFallback{}).Error
}

func (s *Service) findCredential(ctx context.Context, userID string) (*Credential, error) {
	var record Credential
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) findFallback(ctx context.Context, userID string) (*CredentialFallback, error) {
	var record CredentialFallback
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("credentials service error", attrs...)
}
