package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gradeline/codebook/internal/analysis"
	"github.com/gradeline/codebook/internal/config"
	"github.com/gradeline/codebook/internal/db"
	"github.com/gradeline/codebook/internal/llm"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/vector"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeLLM codes every item it is asked about with a deterministic code
// and returns fixed embeddings. onComplete, when set, runs before each
// completion call.
type fakeLLM struct {
	completions int
	onComplete  func()
	fail        error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if f.onComplete != nil {
		f.onComplete()
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.completions++

	// Echo back one coded item per input item in the prompt.
	var inputs []analysis.ItemInput
	startMarker := "Items to analyze:\n"
	idx := strings.Index(req.Prompt, startMarker)
	if idx < 0 {
		return nil, fmt.Errorf("fakeLLM: no items in prompt")
	}
	rest := req.Prompt[idx+len(startMarker):]
	if end := strings.Index(rest, "\n\nReturn valid JSON"); end >= 0 {
		rest = rest[:end]
	}
	if err := json.Unmarshal([]byte(rest), &inputs); err != nil {
		return nil, fmt.Errorf("fakeLLM: parse items: %v", err)
	}

	items := make([]map[string]interface{}, len(inputs))
	for i, in := range inputs {
		items[i] = map[string]interface{}{
			"original_label": in.OriginalLabel,
			"code":           fmt.Sprintf("2-DIP-%02d-P", i+1),
			"description":    "Standardized " + in.OriginalLabel,
			"csi_division":   "33",
			"csi_section":    "33 10 00",
			"application":    "water",
		}
	}
	content, _ := json.Marshal(map[string]interface{}{
		"items":            items,
		"analysis_summary": "Clean codebook.",
		"analysis_details": map[string]interface{}{
			"total_items":     len(items),
			"divisions_found": []string{"33"},
		},
	})
	return &llm.Response{Content: string(content), TokensTotal: 50}, nil
}

func (f *fakeLLM) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = []float32{0.5, 0.5}
	}
	return vecs, nil
}

// fakeIndex stores upserted docs in memory and answers queries with them.
type fakeIndex struct {
	docs []vector.Document
}

func (f *fakeIndex) Upsert(_ context.Context, docs []vector.Document) error {
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, clientID string, limit int) ([]vector.Match, error) {
	var matches []vector.Match
	for _, d := range f.docs {
		if d.Properties["clientId"] != clientID {
			continue
		}
		matches = append(matches, vector.Match{ID: d.ID, Certainty: 0.9, Properties: d.Properties})
		if len(matches) == limit {
			break
		}
	}
	return matches, nil
}

func openWorkerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := gdb.AutoMigrate(db.AllModels()...); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	cb := models.Codebook{ID: "cb-1", ClientID: "client-1", Name: "Test", Type: models.CodebookTypeMaterial}
	if err := gdb.Create(&cb).Error; err != nil {
		t.Fatalf("seed codebook: %v", err)
	}
	return gdb
}

func newTestEnv(t *testing.T, gdb *gorm.DB) (*Env, *fakeLLM, *fakeIndex) {
	t.Helper()
	cfg := config.Default()
	client := &fakeLLM{}
	idx := &fakeIndex{}
	q := queue.New(gdb, queue.Options{LeaseTTL: cfg.Worker.LeaseTTL})
	return &Env{
		DB:     gdb,
		Queue:  q,
		Cfg:    cfg,
		LLM:    client,
		Coder:  analysis.NewCoder(client, 2),
		Vector: idx,
	}, client, idx
}

func enqueue(t *testing.T, env *Env, jobType string, payload interface{}) *models.Job {
	t.Helper()
	id := "cb-1"
	job, err := env.Queue.Enqueue(queue.EnqueueParams{
		ClientID:   "client-1",
		CodebookID: &id,
		JobType:    jobType,
		Payload:    payload,
		CreatedBy:  "tester",
	})
	if err != nil {
		t.Fatalf("Enqueue %s: %v", jobType, err)
	}
	return job
}

func runOne(t *testing.T, env *Env) {
	t.Helper()
	n, err := New(env).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n == 0 {
		t.Fatal("RunOnce claimed no jobs")
	}
}

func TestInitialAnalysis_EndToEnd(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, idx := newTestEnv(t, gdb)

	job := enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{
			{OriginalLabel: "8in DIP Pipe"},
			{OriginalLabel: "6in Gate Valve"},
			{OriginalLabel: "48in Manhole"},
		},
		Label: "first import",
	})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("Status = %q (%s), want completed", got.Status, got.Error)
	}
	if got.Progress != 100 {
		t.Errorf("Progress = %d, want 100", got.Progress)
	}

	var v models.CodebookVersion
	if err := gdb.Where("codebook_id = ? AND is_active = ?", "cb-1", true).First(&v).Error; err != nil {
		t.Fatalf("no active version: %v", err)
	}
	if v.VersionNumber != 1 {
		t.Errorf("VersionNumber = %d, want 1", v.VersionNumber)
	}
	if v.AnalysisSummary == "" {
		t.Error("AnalysisSummary empty")
	}

	var items []models.CodebookItem
	gdb.Where("version_id = ?", v.ID).Find(&items)
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}

	// Exactly one audit entry for the whole job.
	var entries []models.AuditEntry
	gdb.Find(&entries)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].ActionType != "initial_import" {
		t.Errorf("ActionType = %q, want initial_import", entries[0].ActionType)
	}

	// Lock released at completion.
	var cb models.Codebook
	gdb.First(&cb, "id = ?", "cb-1")
	if cb.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", cb.LockedBy)
	}

	// Items indexed and recorded.
	if len(idx.docs) != 3 {
		t.Errorf("indexed docs = %d, want 3", len(idx.docs))
	}
	var embCount int64
	gdb.Model(&models.ItemEmbedding{}).Count(&embCount)
	if embCount != 3 {
		t.Errorf("embedding rows = %d, want 3", embCount)
	}
}

func TestInitialAnalysis_AuditFailureRollsBackVersion(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	// Break the audit append so the commit transaction cannot finish.
	if err := gdb.Migrator().DropTable(&models.AuditEntry{}); err != nil {
		t.Fatalf("drop audit table: %v", err)
	}

	job := enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{{OriginalLabel: "8in DIP Pipe"}},
	})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}

	// No version may exist without its audit entry: the whole
	// create+activate+append transaction rolls back.
	var count int64
	gdb.Model(&models.CodebookVersion{}).Where("codebook_id = ?", "cb-1").Count(&count)
	if count != 0 {
		t.Errorf("version rows = %d, want 0 after rollback", count)
	}

	var cb models.Codebook
	gdb.First(&cb, "id = ?", "cb-1")
	if cb.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", cb.LockedBy)
	}
}

func TestRefactor_ProducesNewActiveVersion(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	first := enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{{OriginalLabel: "8in DIP Pipe"}, {OriginalLabel: "12in RCP"}},
	})
	runOne(t, env)
	if got, _ := env.Queue.Get(first.ID); got.Status != models.JobCompleted {
		t.Fatalf("setup job %s: %s", got.Status, got.Error)
	}

	var v1 models.CodebookVersion
	gdb.Where("codebook_id = ? AND is_active = ?", "cb-1", true).First(&v1)

	job := enqueue(t, env, models.JobRefactor, refactorPayload{Instructions: "split by material"})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("Status = %q (%s), want completed", got.Status, got.Error)
	}

	var active models.CodebookVersion
	gdb.Where("codebook_id = ? AND is_active = ?", "cb-1", true).First(&active)
	if active.ID == v1.ID {
		t.Fatal("refactor did not produce a new active version")
	}
	if active.VersionNumber != 2 {
		t.Errorf("VersionNumber = %d, want 2", active.VersionNumber)
	}

	// Source version and items untouched.
	var source models.CodebookVersion
	gdb.First(&source, "id = ?", v1.ID)
	if source.IsActive {
		t.Error("source version still active")
	}
	var sourceItems int64
	gdb.Model(&models.CodebookItem{}).Where("version_id = ?", v1.ID).Count(&sourceItems)
	if sourceItems != 2 {
		t.Errorf("source items = %d, want 2", sourceItems)
	}

	var started, completed int64
	gdb.Model(&models.AuditEntry{}).Where("action_type = ?", "refactor_started").Count(&started)
	gdb.Model(&models.AuditEntry{}).Where("action_type = ?", "refactor_completed").Count(&completed)
	if started != 1 || completed != 1 {
		t.Errorf("refactor audits = %d started, %d completed, want 1 each", started, completed)
	}
}

func TestBulkUpload_MergesWithActiveVersion(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{{OriginalLabel: "8in DIP Pipe"}},
	})
	runOne(t, env)

	job := enqueue(t, env, models.JobBulkUpload, bulkUploadPayload{
		CSV: "label,description\nNew Hydrant,Fire hydrant assembly\n",
	})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("Status = %q (%s), want completed", got.Status, got.Error)
	}

	var active models.CodebookVersion
	gdb.Where("codebook_id = ? AND is_active = ?", "cb-1", true).First(&active)
	if active.VersionNumber != 2 {
		t.Errorf("VersionNumber = %d, want 2", active.VersionNumber)
	}
	var count int64
	gdb.Model(&models.CodebookItem{}).Where("version_id = ?", active.ID).Count(&count)
	if count != 2 {
		t.Errorf("merged items = %d, want 2", count)
	}

	var added int64
	gdb.Model(&models.AuditEntry{}).Where("action_type = ?", "items_added").Count(&added)
	if added != 1 {
		t.Errorf("items_added audits = %d, want 1", added)
	}
}

func TestSemanticSearch_ScopedToClient(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, idx := newTestEnv(t, gdb)

	idx.docs = []vector.Document{
		{ID: "item-1", Properties: map[string]interface{}{"clientId": "client-1", "code": "2-DIP-08-P"}},
		{ID: "item-2", Properties: map[string]interface{}{"clientId": "client-2", "code": "X"}},
	}

	job := enqueue(t, env, models.JobSemanticSearch, semanticSearchPayload{Query: "ductile iron pipe", Limit: 10})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("Status = %q (%s), want completed", got.Status, got.Error)
	}

	var result struct {
		Matches []map[string]interface{} `json:"matches"`
	}
	if err := json.Unmarshal([]byte(got.Result), &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("matches = %d, want 1 (other client's items excluded)", len(result.Matches))
	}
	if result.Matches[0]["code"] != "2-DIP-08-P" {
		t.Errorf("match = %v", result.Matches[0])
	}
}

func TestExport_RendersCSV(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{{OriginalLabel: "8in DIP Pipe"}},
	})
	runOne(t, env)

	job := enqueue(t, env, models.JobExport, exportPayload{})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCompleted {
		t.Fatalf("Status = %q (%s), want completed", got.Status, got.Error)
	}

	var result struct {
		Content   string `json:"content"`
		ItemCount int    `json:"item_count"`
	}
	if err := json.Unmarshal([]byte(got.Result), &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.ItemCount != 1 {
		t.Errorf("item_count = %d, want 1", result.ItemCount)
	}
	if !strings.Contains(result.Content, "8in DIP Pipe") {
		t.Errorf("export content missing item: %q", result.Content)
	}
	if !strings.HasPrefix(result.Content, "code,original_label") {
		t.Errorf("export header = %q", result.Content)
	}
}

func TestRunJob_PermanentFailure(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, client, _ := newTestEnv(t, gdb)
	client.fail = errors.New("model rejected the request")

	job := enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{{OriginalLabel: "x"}},
	})
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("Error not recorded")
	}

	// Terminal failure released the lock.
	var cb models.Codebook
	gdb.First(&cb, "id = ?", "cb-1")
	if cb.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", cb.LockedBy)
	}
}

func TestRunJob_TimeoutIsTransient(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	pool := New(env)
	pool.Register(models.JobExport, func(ctx context.Context, env *Env, job *models.Job) (interface{}, error) {
		return nil, context.DeadlineExceeded
	})

	job := enqueue(t, env, models.JobExport, nil)
	if n, err := pool.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobPending {
		t.Fatalf("Status = %q, want pending for retry", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if got.NotBefore == nil {
		t.Error("NotBefore not set for backoff")
	}
}

func TestRunJob_CancelObservedAtBatchBoundary(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, client, _ := newTestEnv(t, gdb)

	var jobID string
	// Cancel lands while the first batch is in flight; the handler must
	// notice at the next boundary and stop before the second LLM call.
	client.onComplete = func() {
		if client.completions == 1 && jobID != "" {
			if err := env.Queue.RequestCancel(jobID); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
		}
	}

	job := enqueue(t, env, models.JobInitialAnalysis, initialAnalysisPayload{
		Items: []analysis.ItemInput{
			{OriginalLabel: "a"}, {OriginalLabel: "b"},
			{OriginalLabel: "c"}, {OriginalLabel: "d"},
			{OriginalLabel: "e"}, {OriginalLabel: "f"},
		},
	})
	jobID = job.ID
	runOne(t, env)

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if client.completions != 2 {
		t.Errorf("LLM completions = %d, want 2 (stopped after flagged batch)", client.completions)
	}

	// No version was created by the aborted job.
	var count int64
	gdb.Model(&models.CodebookVersion{}).Count(&count)
	if count != 0 {
		t.Errorf("versions = %d, want 0", count)
	}

	// Lock released on the cancelled terminal state.
	var cb models.Codebook
	gdb.First(&cb, "id = ?", "cb-1")
	if cb.LockedBy != "" {
		t.Errorf("LockedBy = %q, want released", cb.LockedBy)
	}
}

func TestRunJob_UnknownTypeFails(t *testing.T) {
	gdb := openWorkerTestDB(t)
	env, _, _ := newTestEnv(t, gdb)

	pool := New(env)
	delete(pool.handlers, models.JobExport)

	job := enqueue(t, env, models.JobExport, nil)
	if _, err := pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := env.Queue.Get(job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("Status = %q, want failed", got.Status)
	}
}
