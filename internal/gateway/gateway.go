// Package gateway authenticates scheduled sync triggers and maps sync
// outcomes onto HTTP statuses.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/snapshots"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

var (
	// ErrMisconfigured reports that no trigger secret is configured.
	ErrMisconfigured = errors.New("gateway: trigger secret is not configured")
	// ErrUnauthorized reports a missing or mismatched trigger secret.
	ErrUnauthorized = errors.New("gateway: unauthorized")

	errMissingSyncer = errors.New("gateway: syncer is required")
)

// Syncer is the part of the sync engine the gateway drives.
type Syncer interface {
	SyncAll(ctx context.Context) snapshots.Report
	Sync(ctx context.Context, resource string) (snapshots.Result, bool)
	States(ctx context.Context) ([]snapshots.SyncState, error)
}

// Config describes the gateway dependencies.
type Config struct {
	Secret string
	Syncer Syncer
	Logger *zap.Logger
}

// Gateway guards the trigger endpoints.
type Gateway struct {
	secret string
	syncer Syncer
	logger *zap.Logger
}

// New builds a gateway. An empty secret is accepted here and rejected on every trigger.
func New(cfg Config) (*Gateway, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		secret: strings.TrimSpace(cfg.Secret),
		syncer: cfg.Syncer,
		logger: logger,
	}, nil
}

// Authenticate checks an Authorization header value against the configured secret.
func (g *Gateway) Authenticate(header string) error {
	return Authenticate(header, g.secret)
}

// Authenticate fails closed: an empty secret is a configuration error, and
// anything other than "Bearer <secret>" is unauthorized.
func Authenticate(header, secret string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrMisconfigured
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return ErrUnauthorized
	}
	presented := header[len(bearerPrefix):]
	if subtle.ConstantTimeCompare([]byte(presented), []byte(strings.TrimSpace(secret))) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// RunAll performs a full pass and returns the report with its HTTP status.
func (g *Gateway) RunAll(ctx context.Context) (snapshots.Report, int) {
	report := g.syncer.SyncAll(ctx)
	status := AggregateStatus(report)
	g.logger.Info("indy sync triggered",
		zap.String("scope", "all"),
		zap.Int("failed", report.Failed()),
		zap.Int("status", status))
	return report, status
}

// RunOne performs a single resource pull. The boolean is false for unknown resources.
func (g *Gateway) RunOne(ctx context.Context, resource string) (snapshots.Result, int, bool) {
	result, ok := g.syncer.Sync(ctx, resource)
	if !ok {
		return snapshots.Result{}, http.StatusNotFound, false
	}
	status := ResourceStatus(result)
	g.logger.Info("indy sync triggered",
		zap.String("scope", resource),
		zap.Bool("ok", result.OK),
		zap.Int("status", status))
	return result, status, true
}

// States returns the recorded sync state.
func (g *Gateway) States(ctx context.Context) ([]snapshots.SyncState, error) {
	return g.syncer.States(ctx)
}

// AggregateStatus is 200 when every resource synced, 207 when some failed,
// and 502 when all of them failed.
func AggregateStatus(report snapshots.Report) int {
	failed := report.Failed()
	switch {
	case failed == 0:
		return http.StatusOK
	case failed == len(report.Results):
		return http.StatusBadGateway
	default:
		return http.StatusMultiStatus
	}
}

// ResourceStatus is 200 on success and 502 on any pull failure.
func ResourceStatus(result snapshots.Result) int {
	if result.OK {
		return http.StatusOK
	}
	return http.StatusBadGateway
}

// AuthStatus maps an Authenticate error onto its HTTP status and message.
func AuthStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMisconfigured):
		return http.StatusInternalServerError, "Server misconfigured"
	default:
		return http.StatusUnauthorized, "Unauthorized"
	}
}

// ResourceFromPath maps a trigger path segment onto a resource name.
func ResourceFromPath(segment string) (string, bool) {
	switch segment {
	case "teachers":
		return snapshots.ResourceTeachers, true
	case "hours":
		return snapshots.ResourceHours, true
	case "subjects":
		return snapshots.ResourceSubjects, true
	case "special-indy", "special_indy":
		return snapshots.ResourceSpecialSchedule, true
	default:
		return "", false
	}
}
