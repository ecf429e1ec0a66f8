// Package schedule is the external caller that fires the sync trigger on a
// cron spec. It runs in its own process and talks to the service over HTTP.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	triggerPath       = "/api/cron/sync-indy"
	defaultTimeout    = 5 * time.Minute
	maxSummaryBytes   = 4 << 10
	bearerHeaderValue = "Bearer "
)

var (
	errMissingTarget = errors.New("schedule: target url is required")
	errMissingSecret = errors.New("schedule: cron secret is required")
)

// CallerConfig describes where and how to fire the trigger.
type CallerConfig struct {
	TargetURL  string
	Secret     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Caller issues authenticated trigger requests.
type Caller struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCaller validates the configuration.
func NewCaller(cfg CallerConfig) (*Caller, error) {
	target := strings.TrimRight(strings.TrimSpace(cfg.TargetURL), "/")
	if target == "" {
		return nil, errMissingTarget
	}
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Caller{
		endpoint:   target + triggerPath,
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Fire calls the aggregate trigger once and returns the response status.
// 207 is reported but not treated as an error.
func (c *Caller) Fire(ctx context.Context) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, http.NoBody)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Authorization", bearerHeaderValue+c.secret)

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Error("sync trigger failed", zap.Error(err))
		return 0, err
	}
	defer response.Body.Close()
	summary, _ := io.ReadAll(io.LimitReader(response.Body, maxSummaryBytes))

	switch response.StatusCode {
	case http.StatusOK:
		c.logger.Info("sync trigger completed", zap.Int("status", response.StatusCode))
		return response.StatusCode, nil
	case http.StatusMultiStatus:
		c.logger.Warn("sync trigger partially failed", zap.Int("status", response.StatusCode), zap.ByteString("body", summary))
		return response.StatusCode, nil
	default:
		c.logger.Error("sync trigger rejected", zap.Int("status", response.StatusCode), zap.ByteString("body", summary))
		return response.StatusCode, fmt.Errorf("schedule: trigger returned %d", response.StatusCode)
	}
}

// Runner fires a job on a seconds-resolution cron spec.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// NewRunner builds a stopped runner.
func NewRunner(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers a job.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Next reports when the given entry fires next.
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
