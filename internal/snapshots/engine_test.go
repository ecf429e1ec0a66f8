package snapshots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/indy"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type upstreamFixture struct {
	mu        sync.Mutex
	bodies    map[string]string
	statuses  map[string]int
	queries   map[string]string
	bearers   map[string]string
	callCount map[string]int
}

func newUpstreamFixture() *upstreamFixture {
	return &upstreamFixture{
		bodies: map[string]string{
			"/teacher/":       `[]`,
			"/hour/":          `[]`,
			"/subject/active": `[]`,
			"/specialindy/":   `[]`,
		},
		statuses:  map[string]int{},
		queries:   map[string]string{},
		bearers:   map[string]string{},
		callCount: map[string]int{},
	}
}

func (f *upstreamFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[r.URL.Path]++
	f.queries[r.URL.Path] = r.URL.RawQuery
	f.bearers[r.URL.Path] = r.Header.Get("Authorization")

	body, ok := f.bodies[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	status := f.statuses[r.URL.Path]
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (f *upstreamFixture) query(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

func (f *upstreamFixture) bearer(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bearers[path]
}

func (f *upstreamFixture) calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

type staticSession struct {
	token string
	err   error
}

func (s staticSession) AccessToken(context.Context) (string, error) {
	return s.token, s.err
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func (o *recordingObserver) ObserveSync(resource string, ok bool, _, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]bool{}
	}
	o.outcomes[resource] = ok
}

type engineHarness struct {
	engine   *Engine
	db       *gorm.DB
	upstream *upstreamFixture
	logs     *observer.ObservedLogs
	observer *recordingObserver
}

func newEngineHarness(t *testing.T, session TokenSource) *engineHarness {
	t.Helper()

	upstream := newUpstreamFixture()
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	client, err := indy.NewClient(indy.ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	dsn := fmt.Sprintf("file:snapshots_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Teacher{}, &HourSlot{}, &Subject{}, &SpecialSchedule{}, &SyncState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	recorder := &recordingObserver{}
	engine, err := NewEngine(EngineConfig{
		Database: db,
		Client:   client,
		Session:  session,
		Observer: recorder,
		Clock:    func() time.Time { return time.Date(2024, time.March, 1, 3, 0, 0, 0, time.UTC) },
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return &engineHarness{engine: engine, db: db, upstream: upstream, logs: logs, observer: recorder}
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	if _, err := NewEngine(EngineConfig{}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestSyncHoursReplacesOnlyValidRows(t *testing.T) {
	harness := newEngineHarness(t, nil)
	if err := harness.db.Create(&HourSlot{Day: "Fr", Hour: 9, Room: "OLD", Teacher: "X", Fullname: "Old"}).Error; err != nil {
		t.Fatalf("failed to seed hour: %v", err)
	}
	harness.upstream.bodies["/hour/"] = `[
		{"day":"Mo","hour":1,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada","consultation":1},
		{"day":"Mo","hour":2,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Di","hour":3,"room":"B2","teacher":"T2","slimit":10,"fullname":"Alan","area_of_expertise":"CS"},
		{"day":"Mo","room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"},
		{"day":"Mo","hour":4,"teacher":"T1","slimit":20,"fullname":"Ada"}
	]`

	result := harness.engine.SyncHours(context.Background())
	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Message != "3 rows replaced" {
		t.Fatalf("unexpected message %q", result.Message)
	}

	var count int64
	if err := harness.db.Model(&HourSlot{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 stored hours, got %d", count)
	}

	var consultations int64
	harness.db.Model(&HourSlot{}).Where("consultation = ?", true).Count(&consultations)
	if consultations != 1 {
		t.Fatalf("expected one consultation slot, got %d", consultations)
	}

	warnings := harness.logs.FilterMessage("indy rows skipped").All()
	if len(warnings) != 1 {
		t.Fatalf("expected one skipped-rows warning, got %d", len(warnings))
	}
	if skipped := warnings[0].ContextMap()["skipped"]; skipped != int64(2) {
		t.Fatalf("expected skipped=2, got %v", skipped)
	}
	rejected := harness.logs.FilterMessage("indy row rejected").All()
	if len(rejected) != 2 || rejected[0].ContextMap()["field"] != "hour" || rejected[1].ContextMap()["field"] != "room" {
		t.Fatalf("expected rejected rows to name hour and room, got %+v", rejected)
	}
}

func TestSyncHoursRejectsNonArray(t *testing.T) {
	harness := newEngineHarness(t, nil)
	if err := harness.db.Create(&HourSlot{Day: "Fr", Hour: 9, Room: "OLD", Teacher: "X", Fullname: "Old"}).Error; err != nil {
		t.Fatalf("failed to seed hour: %v", err)
	}
	harness.upstream.bodies["/hour/"] = `{"detail":"maintenance"}`

	result := harness.engine.SyncHours(context.Background())
	if result.OK {
		t.Fatalf("expected failure for non-array response")
	}
	if !strings.Contains(result.Error, "expected an array") {
		t.Fatalf("unexpected error %q", result.Error)
	}

	var count int64
	harness.db.Model(&HourSlot{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected previous snapshot untouched, got %d rows", count)
	}
}

func TestSyncSpecialScheduleReplacesFromToday(t *testing.T) {
	harness := newEngineHarness(t, nil)
	seed := []SpecialSchedule{
		{Teacher: "OLD", Day: "Mo", Hour: 1, StartDate: "2024-02-01", EndDate: "2024-02-02"},
		{Teacher: "T9", Day: "Di", Hour: 2, StartDate: "2024-03-01", EndDate: "2024-03-05"},
		{Teacher: "T9", Day: "Mi", Hour: 2, StartDate: "2024-04-10", EndDate: "2024-04-11"},
	}
	if err := harness.db.Create(&seed).Error; err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	harness.upstream.bodies["/specialindy/"] = `[{"teacher":"T1","day":"Mo","hour":3,"start_date":"2024-01-01","end_date":"2024-06-01"}]`

	result := harness.engine.SyncSpecialSchedule(context.Background())
	if !result.OK || result.Message != "1 rows replaced" {
		t.Fatalf("unexpected result %+v", result)
	}
	if query := harness.upstream.query("/specialindy/"); query != "start_date=2024-03-01" {
		t.Fatalf("expected start_date query, got %q", query)
	}

	var stored []SpecialSchedule
	if err := harness.db.Order("teacher").Find(&stored).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected past row plus new row, got %d: %+v", len(stored), stored)
	}
	if stored[0].Teacher != "OLD" {
		t.Fatalf("expected past entry to survive, got %+v", stored[0])
	}
	inserted := stored[1]
	if inserted.Teacher != "T1" || inserted.Slimit != 0 || inserted.Room != nil || inserted.Fullname != nil {
		t.Fatalf("unexpected inserted row %+v", inserted)
	}
}

func TestSyncSpecialScheduleWithNoRowsStillClearsFuture(t *testing.T) {
	harness := newEngineHarness(t, nil)
	if err := harness.db.Create(&SpecialSchedule{Teacher: "T9", Day: "Di", Hour: 2, StartDate: "2024-03-02", EndDate: "2024-03-05"}).Error; err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	result := harness.engine.SyncSpecialSchedule(context.Background())
	if !result.OK || result.Message != "0 rows replaced" {
		t.Fatalf("unexpected result %+v", result)
	}
	var count int64
	harness.db.Model(&SpecialSchedule{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected future entries removed, got %d", count)
	}
}

func TestSyncSubjectsUpsertsWithoutDeleting(t *testing.T) {
	harness := newEngineHarness(t, nil)
	stale := "Latin"
	if err := harness.db.Create(&Subject{Subject: "L", Longname: &stale}).Error; err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	harness.upstream.bodies["/subject/active"] = `[{"subject":"M","longname":"Maths"},{"subject":"L"},{"longname":"missing key"}]`

	result := harness.engine.SyncSubjects(context.Background())
	if !result.OK || result.Message != "2 rows upserted" {
		t.Fatalf("unexpected result %+v", result)
	}

	var subjects []Subject
	harness.db.Order("subject").Find(&subjects)
	if len(subjects) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(subjects))
	}
	if subjects[0].Subject != "L" || subjects[0].Longname != nil {
		t.Fatalf("expected L to be overwritten with null longname, got %+v", subjects[0])
	}
}

func TestSyncTeachersUsesServiceSession(t *testing.T) {
	harness := newEngineHarness(t, staticSession{token: "svc-access"})
	harness.upstream.bodies["/teacher/"] = `[{"tid":7,"firstname":"Ada","lastname":"Lovelace","email":"ada@example.com"},{"tid":"T8","firstname":"Alan"}]`

	result := harness.engine.SyncTeachers(context.Background())
	if !result.OK || result.Message != "1 rows upserted" {
		t.Fatalf("unexpected result %+v", result)
	}
	if bearer := harness.upstream.bearer("/teacher/"); bearer != "Bearer svc-access" {
		t.Fatalf("expected bearer header, got %q", bearer)
	}

	var teacher Teacher
	if err := harness.db.Where("tid = ?", "7").Take(&teacher).Error; err != nil {
		t.Fatalf("expected teacher 7 stored: %v", err)
	}
	if teacher.Email == nil || *teacher.Email != "ada@example.com" {
		t.Fatalf("unexpected teacher %+v", teacher)
	}
}

func TestSyncTeachersFailsWithoutSession(t *testing.T) {
	harness := newEngineHarness(t, staticSession{err: errors.New("credentials: configuration error")})

	result := harness.engine.SyncTeachers(context.Background())
	if result.OK || !strings.Contains(result.Error, "configuration error") {
		t.Fatalf("unexpected result %+v", result)
	}
	if harness.upstream.calls("/teacher/") != 0 {
		t.Fatalf("expected no upstream call without a session")
	}
}

func TestSyncAllReportsPartialFailure(t *testing.T) {
	harness := newEngineHarness(t, staticSession{token: "svc-access"})
	harness.upstream.bodies["/hour/"] = `[{"day":"Mo","hour":1,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"}]`
	harness.upstream.statuses["/subject/active"] = http.StatusInternalServerError
	harness.upstream.bodies["/subject/active"] = `{"detail":"boom"}`

	report := harness.engine.SyncAll(context.Background())
	if report.OK {
		t.Fatalf("expected aggregate failure")
	}
	if report.Failed() != 1 {
		t.Fatalf("expected exactly one failure, got %d", report.Failed())
	}
	for _, resource := range Resources {
		result, ok := report.Results[resource]
		if !ok {
			t.Fatalf("missing result for %s", resource)
		}
		if wantOK := resource != ResourceSubjects; result.OK != wantOK {
			t.Fatalf("%s: expected ok=%v, got %+v", resource, wantOK, result)
		}
	}
	if harness.observer.outcomes[ResourceSubjects] {
		t.Fatalf("expected observer to record subjects failure")
	}
}

func TestSyncRecordsState(t *testing.T) {
	harness := newEngineHarness(t, nil)
	harness.upstream.bodies["/hour/"] = `[{"day":"Mo","hour":1,"room":"A1","teacher":"T1","slimit":20,"fullname":"Ada"}]`

	if result := harness.engine.SyncHours(context.Background()); !result.OK {
		t.Fatalf("unexpected failure %+v", result)
	}
	harness.upstream.bodies["/hour/"] = `"oops"`
	if result := harness.engine.SyncHours(context.Background()); result.OK {
		t.Fatalf("expected second run to fail")
	}

	states, err := harness.engine.States(context.Background())
	if err != nil {
		t.Fatalf("states failed: %v", err)
	}
	if len(states) != 1 || states[0].Resource != ResourceHours {
		t.Fatalf("unexpected states %+v", states)
	}
	state := states[0]
	if state.LastSuccessAt == nil {
		t.Fatalf("expected last success to survive a later failure")
	}
	if state.LastRowCount != 1 {
		t.Fatalf("expected row count from last success, got %d", state.LastRowCount)
	}
	if !strings.Contains(state.LastError, "expected an array") {
		t.Fatalf("expected last error recorded, got %q", state.LastError)
	}
	if state.LastRunID == "" {
		t.Fatalf("expected run id")
	}
}

func TestSyncUnknownResource(t *testing.T) {
	harness := newEngineHarness(t, nil)
	if _, ok := harness.engine.Sync(context.Background(), "rooms"); ok {
		t.Fatalf("expected unknown resource to be rejected")
	}
	result, ok := harness.engine.Sync(context.Background(), ResourceHours)
	if !ok || !result.OK {
		t.Fatalf("expected hours to sync, got %+v", result)
	}
}
