package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gradeline/codebook/internal/db"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/queue"
	"github.com/gradeline/codebook/internal/recommendation"
	"github.com/gradeline/codebook/internal/version"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestServer(t *testing.T) (*gin.Engine, *gorm.DB, *queue.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	q := queue.New(gdb, queue.Options{})
	return NewRouter(gdb, q), gdb, q
}

func seedCodebook(t *testing.T, gdb *gorm.DB) {
	t.Helper()
	cb := models.Codebook{ID: "cb-1", ClientID: "client-1", Name: "Test", Type: models.CodebookTypeMaterial}
	if err := gdb.Create(&cb).Error; err != nil {
		t.Fatalf("seed codebook: %v", err)
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestCreateCodebook(t *testing.T) {
	router, _, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/codebooks",
		`{"client_id":"client-1","name":"Materials","type":"material"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var cb models.Codebook
	if err := json.Unmarshal(w.Body.Bytes(), &cb); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if cb.ID == "" || cb.Name != "Materials" {
		t.Errorf("codebook = %+v", cb)
	}

	// Bad type rejected.
	w = doJSON(t, router, http.MethodPost, "/api/codebooks",
		`{"client_id":"client-1","name":"X","type":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", w.Code)
	}
}

func TestEnqueueAndGetJob(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	w := doJSON(t, router, http.MethodPost, "/api/codebooks/cb-1/analyze",
		`{"client_id":"client-1","payload":{"items":[{"original_label":"8in DIP"}]}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var job models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("parse job: %v", err)
	}
	if job.Status != models.JobPending || job.JobType != models.JobInitialAnalysis {
		t.Errorf("job = %+v", job)
	}

	w = doJSON(t, router, http.MethodGet, "/api/jobs/"+job.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/jobs/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", w.Code)
	}
}

func TestEnqueue_LockConflictIs409(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	w := doJSON(t, router, http.MethodPost, "/api/codebooks/cb-1/refactor",
		`{"client_id":"client-1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first refactor status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/api/codebooks/cb-1/refactor",
		`{"client_id":"client-1"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second refactor status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestCancelJob(t *testing.T) {
	router, gdb, q := newTestServer(t)
	seedCodebook(t, gdb)

	job, err := q.Enqueue(queue.EnqueueParams{ClientID: "client-1", JobType: models.JobExport})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body.String())
	}
	var got models.Job
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != models.JobCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}

	// Cancelling a terminal job is a conflict.
	w = doJSON(t, router, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("re-cancel status = %d, want 409", w.Code)
	}
}

func TestVersionsAndRevert(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	v1, err := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{Label: "first"})
	if err != nil {
		t.Fatalf("Create v1: %v", err)
	}
	v2, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{Label: "second"})
	if err := version.Activate(gdb, "cb-1", v2.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/codebooks/cb-1/versions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listResp struct {
		Versions []models.CodebookVersion `json:"versions"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)
	if len(listResp.Versions) != 2 {
		t.Errorf("versions = %d, want 2", len(listResp.Versions))
	}

	w = doJSON(t, router, http.MethodGet, "/api/codebooks/cb-1/versions/active", "")
	if w.Code != http.StatusOK {
		t.Fatalf("active status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/codebooks/cb-1/revert",
		fmt.Sprintf(`{"version_id":%q,"actor":"operator"}`, v1.ID))
	if w.Code != http.StatusOK {
		t.Fatalf("revert status = %d: %s", w.Code, w.Body.String())
	}
	var reverted models.CodebookVersion
	json.Unmarshal(w.Body.Bytes(), &reverted)
	if reverted.VersionNumber != 3 || !reverted.IsActive {
		t.Errorf("reverted = %+v", reverted)
	}
}

func TestDeleteVersion(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	v1, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{})
	v2, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{})
	version.Activate(gdb, "cb-1", v2.ID)

	// Deleting the active version is a conflict.
	w := doJSON(t, router, http.MethodDelete, "/api/versions/"+v2.ID, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("delete active status = %d, want 409", w.Code)
	}

	w = doJSON(t, router, http.MethodDelete, "/api/versions/"+v1.ID, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", w.Code)
	}
}

func TestRecommendationActions(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	v1, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{})
	version.Activate(gdb, "cb-1", v1.ID)
	rec, err := recommendation.Create(gdb, recommendation.CreateParams{
		VersionID:  v1.ID,
		ClientID:   "client-1",
		Category:   models.RecCategoryNaming,
		Suggestion: "Rename items to include diameter",
	})
	if err != nil {
		t.Fatalf("Create recommendation: %v", err)
	}

	w := doJSON(t, router, http.MethodPost, "/api/recommendations/"+rec.ID+"/accept",
		`{"actor":"reviewer"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("accept status = %d: %s", w.Code, w.Body.String())
	}

	// One-shot: a second action is a conflict.
	w = doJSON(t, router, http.MethodPost, "/api/recommendations/"+rec.ID+"/reject",
		`{"actor":"other"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second action status = %d, want 409: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/versions/"+v1.ID+"/recommendations?status=accepted", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listResp struct {
		Recommendations []models.Recommendation `json:"recommendations"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)
	if len(listResp.Recommendations) != 1 {
		t.Errorf("accepted = %d, want 1", len(listResp.Recommendations))
	}
}

func TestBatchRecommendations(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	v1, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{})
	version.Activate(gdb, "cb-1", v1.ID)
	r1, _ := recommendation.Create(gdb, recommendation.CreateParams{
		VersionID: v1.ID, ClientID: "client-1", Suggestion: "one",
	})
	r2, _ := recommendation.Create(gdb, recommendation.CreateParams{
		VersionID: v1.ID, ClientID: "client-1", Suggestion: "two",
	})

	body := fmt.Sprintf(`{"ids":[%q,%q,"missing"],"action":"dismiss","actor":"reviewer"}`, r1.ID, r2.ID)
	w := doJSON(t, router, http.MethodPost, "/api/recommendations/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("batch status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []map[string]interface{} `json:"results"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	if _, failed := resp.Results[2]["error"]; !failed {
		t.Error("missing ID should report an error")
	}
	if _, failed := resp.Results[0]["error"]; failed {
		t.Errorf("r1 unexpectedly failed: %v", resp.Results[0]["error"])
	}
}

func TestAuditEndpoint(t *testing.T) {
	router, gdb, _ := newTestServer(t)
	seedCodebook(t, gdb)

	v1, _ := version.Create(gdb, "cb-1", "client-1", nil, version.CreateOpts{})
	version.Activate(gdb, "cb-1", v1.ID)
	if _, err := version.Revert(gdb, "cb-1", v1.ID, "operator"); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/audit?client_id=client-1&action_type=revert", "")
	if w.Code != http.StatusOK {
		t.Fatalf("audit status = %d", w.Code)
	}
	var resp struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(resp.Entries))
	}

	// client_id is mandatory.
	w = doJSON(t, router, http.MethodGet, "/api/audit", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("no client status = %d, want 400", w.Code)
	}
}

func TestDeadLettersEndpoint(t *testing.T) {
	router, gdb, _ := newTestServer(t)

	dl := models.DeadLetter{JobID: "job-1", ClientID: "client-1", JobType: models.JobExport, Error: "exhausted"}
	if err := gdb.Create(&dl).Error; err != nil {
		t.Fatalf("seed dead letter: %v", err)
	}

	w := doJSON(t, router, http.MethodGet, "/api/dead-letters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		DeadLetters []models.DeadLetter `json:"dead_letters"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.DeadLetters) != 1 {
		t.Errorf("dead letters = %d, want 1", len(resp.DeadLetters))
	}
}
