package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dateLayout      = "2006-01-02"
	insertBatchSize = 500
)

var (
	noOpLogger = zap.NewNop()

	errMissingDatabase = errors.New("snapshots: database handle is required")
	errMissingClient   = errors.New("snapshots: upstream client is required")
	errNoTokenSource   = errors.New("no service session configured for authenticated pulls")
)

// TokenSource yields an access token for authenticated upstream pulls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Observer receives the outcome of every pull.
type Observer interface {
	ObserveSync(resource string, ok bool, written, skipped int, elapsed time.Duration)
}

type noOpObserver struct{}

func (noOpObserver) ObserveSync(string, bool, int, int, time.Duration) {}

// Result is the per-resource outcome of a pull. Exactly one of Message and Error is set.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates the results of a full pass.
type Report struct {
	OK      bool              `json:"ok"`
	Results map[string]Result `json:"results"`
}

// Failed counts the resources that did not sync.
func (r Report) Failed() int {
	failed := 0
	for _, result := range r.Results {
		if !result.OK {
			failed++
		}
	}
	return failed
}

// EngineConfig describes the dependencies of the sync engine.
type EngineConfig struct {
	Database *gorm.DB
	Client   *indy.Client
	Session  TokenSource
	Observer Observer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine pulls upstream collections and replaces the local snapshot tables.
type Engine struct {
	db       *gorm.DB
	client   *indy.Client
	session  TokenSource
	observer Observer
	clock    func() time.Time
	logger   *zap.Logger
	pulls    map[string]func(context.Context) outcome
}

type outcome struct {
	result  Result
	written int
	skipped int
}

func succeeded(message string, written, skipped int) outcome {
	return outcome{result: Result{OK: true, Message: message}, written: written, skipped: skipped}
}

func failed(err error, skipped int) outcome {
	return outcome{result: Result{OK: false, Error: err.Error()}, skipped: skipped}
}

// NewEngine validates dependencies and builds the engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}

	engine := &Engine{
		db:       cfg.Database,
		client:   cfg.Client,
		session:  cfg.Session,
		observer: cfg.Observer,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if engine.observer == nil {
		engine.observer = noOpObserver{}
	}
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.logger == nil {
		engine.logger = noOpLogger
	}
	engine.pulls = map[string]func(context.Context) outcome{
		ResourceTeachers:        engine.pullTeachers,
		ResourceHours:           engine.pullHours,
		ResourceSubjects:        engine.pullSubjects,
		ResourceSpecialSchedule: engine.pullSpecialSchedule,
	}
	return engine, nil
}

// SyncTeachers upserts teachers by tid using the service session.
func (e *Engine) SyncTeachers(ctx context.Context) Result {
	return e.run(ctx, ResourceTeachers)
}

// SyncHours replaces the whole hours table.
func (e *Engine) SyncHours(ctx context.Context) Result {
	return e.run(ctx, ResourceHours)
}

// SyncSubjects upserts subjects by name.
func (e *Engine) SyncSubjects(ctx context.Context) Result {
	return e.run(ctx, ResourceSubjects)
}

// SyncSpecialSchedule replaces special schedule entries starting today or later.
func (e *Engine) SyncSpecialSchedule(ctx context.Context) Result {
	return e.run(ctx, ResourceSpecialSchedule)
}

// Sync runs one named resource. The second return is false for unknown names.
func (e *Engine) Sync(ctx context.Context, resource string) (Result, bool) {
	if _, ok := e.pulls[resource]; !ok {
		return Result{}, false
	}
	return e.run(ctx, resource), true
}

// SyncAll runs every resource concurrently and waits for all of them.
func (e *Engine) SyncAll(ctx context.Context) Report {
	results := make([]Result, len(Resources))
	var wg sync.WaitGroup
	for index, resource := range Resources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[index] = e.run(ctx, resource)
		}()
	}
	wg.Wait()

	report := Report{OK: true, Results: make(map[string]Result, len(Resources))}
	for index, resource := range Resources {
		report.Results[resource] = results[index]
		if !results[index].OK {
			report.OK = false
		}
	}
	return report
}

// States returns the recorded sync state of every resource that has run.
func (e *Engine) States(ctx context.Context) ([]SyncState, error) {
	var states []SyncState
	if err := e.db.WithContext(ctx).Order("resource").Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

func (e *Engine) run(ctx context.Context, resource string) Result {
	runID := newRunID()
	started := e.clock()
	logger := e.logger.With(zap.String("resource", resource), zap.String("run_id", runID))

	out := e.safePull(ctx, resource)

	elapsed := e.clock().Sub(started)
	e.observer.ObserveSync(resource, out.result.OK, out.written, out.skipped, elapsed)
	e.recordState(ctx, logger, resource, runID, started, out)

	if out.result.OK {
		logger.Info("indy sync finished", zap.String("message", out.result.Message), zap.Duration("elapsed", elapsed))
	} else {
		logger.Error("indy sync failed", zap.String("error", out.result.Error), zap.Duration("elapsed", elapsed))
	}
	return out.result
}

func (e *Engine) safePull(ctx context.Context, resource string) (out outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			out = failed(fmt.Errorf("panic: %v", recovered), 0)
		}
	}()
	return e.pulls[resource](ctx)
}

func (e *Engine) pullTeachers(ctx context.Context) outcome {
	if e.session == nil {
		return failed(errNoTokenSource, 0)
	}
	token, err := e.session.AccessToken(ctx)
	if err != nil {
		return failed(fmt.Errorf("session: %w", err), 0)
	}

	rows, skipped, err := e.fetch(ctx, e.client.WithAccessToken(token), indy.ResourceTeachers, nil, teacherSchema)
	if err != nil {
		return failed(err, 0)
	}

	teachers := dedupe(rows, teacherFromRow, func(t Teacher) string { return t.TID })
	if err := e.upsert(ctx, &teachers, len(teachers), "tid", "firstname", "lastname", "username", "email", "area_of_expertise"); err != nil {
		return failed(err, skipped)
	}
	return succeeded(fmt.Sprintf("%d rows upserted", len(teachers)), len(teachers), skipped)
}

func (e *Engine) pullHours(ctx context.Context) outcome {
	rows, skipped, err := e.fetch(ctx, e.client, indy.ResourceHours, nil, hourSchema)
	if err != nil {
		return failed(err, 0)
	}

	hours := make([]HourSlot, 0, len(rows))
	for _, row := range rows {
		hours = append(hours, hourFromRow(row))
	}

	// Delete and insert are separate statements; an insert failure leaves the table empty.
	db := e.db.WithContext(ctx)
	if err := db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&HourSlot{}).Error; err != nil {
		return failed(fmt.Errorf("delete: %w", err), skipped)
	}
	if len(hours) > 0 {
		if err := db.CreateInBatches(&hours, insertBatchSize).Error; err != nil {
			return failed(fmt.Errorf("insert: %w", err), skipped)
		}
	}
	return succeeded(fmt.Sprintf("%d rows replaced", len(hours)), len(hours), skipped)
}

func (e *Engine) pullSubjects(ctx context.Context) outcome {
	rows, skipped, err := e.fetch(ctx, e.client, indy.ResourceSubjects, nil, subjectSchema)
	if err != nil {
		return failed(err, 0)
	}

	subjects := dedupe(rows, subjectFromRow, func(s Subject) string { return s.Subject })
	if err := e.upsert(ctx, &subjects, len(subjects), "subject", "longname"); err != nil {
		return failed(err, skipped)
	}
	return succeeded(fmt.Sprintf("%d rows upserted", len(subjects)), len(subjects), skipped)
}

func (e *Engine) pullSpecialSchedule(ctx context.Context) outcome {
	today := e.clock().UTC().Format(dateLayout)
	params := url.Values{"start_date": []string{today}}

	rows, skipped, err := e.fetch(ctx, e.client, indy.ResourceSpecialSchedule, params, specialScheduleSchema)
	if err != nil {
		return failed(err, 0)
	}

	entries := make([]SpecialSchedule, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, specialScheduleFromRow(row))
	}

	// Past entries are never touched.
	db := e.db.WithContext(ctx)
	if err := db.Where("start_date >= ?", today).Delete(&SpecialSchedule{}).Error; err != nil {
		return failed(fmt.Errorf("delete: %w", err), skipped)
	}
	if len(entries) > 0 {
		if err := db.CreateInBatches(&entries, insertBatchSize).Error; err != nil {
			return failed(fmt.Errorf("insert: %w", err), skipped)
		}
	}
	return succeeded(fmt.Sprintf("%d rows replaced", len(entries)), len(entries), skipped)
}

func (e *Engine) fetch(ctx context.Context, client *indy.Client, resource indy.Resource, params url.Values, schema Schema) ([]Row, int, error) {
	elements, err := client.Fetch(ctx, resource, params)
	if err != nil {
		return nil, 0, err
	}
	rows, rejected := e.filter(schema, elements)
	return rows, len(rejected), nil
}

func (e *Engine) filter(schema Schema, elements []json.RawMessage) ([]Row, []RowError) {
	rows := make([]Row, 0, len(elements))
	var rejected []RowError
	for _, result := range schema.Check(elements) {
		if result.Err != nil {
			rejected = append(rejected, *result.Err)
			continue
		}
		rows = append(rows, result.Row)
	}
	if len(rejected) == 0 {
		return rows, nil
	}

	e.logger.Warn("indy rows skipped",
		zap.String("resource", schema.resource),
		zap.Int("skipped", len(rejected)),
		zap.Int("received", len(elements)))
	for _, rowErr := range rejected {
		e.logger.Warn("indy row rejected",
			zap.String("resource", schema.resource),
			zap.Int("index", rowErr.Index),
			zap.String("field", rowErr.Field),
			zap.String("reason", rowErr.Reason))
	}
	return rows, rejected
}

func (e *Engine) upsert(ctx context.Context, records any, count int, key string, updates ...string) error {
	if count == 0 {
		return nil
	}
	return e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).CreateInBatches(records, insertBatchSize).Error
}

func (e *Engine) recordState(ctx context.Context, logger *zap.Logger, resource, runID string, started time.Time, out outcome) {
	state := SyncState{
		Resource:  resource,
		LastRunID: runID,
		LastRunAt: started.UTC(),
		LastError: out.result.Error,
	}
	updates := []string{"last_run_id", "last_run_at", "last_error"}
	if out.result.OK {
		finished := e.clock().UTC()
		state.LastSuccessAt = &finished
		state.LastRowCount = out.written
		updates = append(updates, "last_success_at", "last_row_count")
	}

	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&state).Error
	if err != nil {
		logger.Warn("sync state not recorded", zap.Error(err))
	}
}

// dedupe maps rows to records keeping the last occurrence of every key in first-seen order.
func dedupe[T any](rows []Row, convert func(Row) T, key func(T) string) []T {
	positions := make(map[string]int, len(rows))
	records := make([]T, 0, len(rows))
	for _, row := range rows {
		record := convert(row)
		k := key(record)
		if position, seen := positions[k]; seen {
			records[position] = record
			continue
		}
		positions[k] = len(records)
		records = append(records, record)
	}
	return records
}

func newRunID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
