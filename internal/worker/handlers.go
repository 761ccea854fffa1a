package worker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/gradeline/codebook/internal/analysis"
	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/audit"
	"github.com/gradeline/codebook/internal/ingest"
	"github.com/gradeline/codebook/internal/llm"
	"github.com/gradeline/codebook/internal/lock"
	"github.com/gradeline/codebook/internal/models"
	"github.com/gradeline/codebook/internal/recommendation"
	"github.com/gradeline/codebook/internal/version"
	"github.com/gradeline/codebook/internal/vector"
	"gorm.io/gorm"
)

// Progress milestones shared by the mutating handlers.
const (
	pctLoaded    = 5
	pctParsed    = 15
	pctRules     = 25
	pctAnalyzing = 30
	pctAnalyzed  = 70
	pctVersioned = 85
)

// initialAnalysisPayload is the payload for initial_analysis jobs. Raw
// CSV and pre-parsed items are both accepted; CSV wins when both are set.
type initialAnalysisPayload struct {
	CSV   string                 `json:"csv,omitempty"`
	Items []analysis.ItemInput   `json:"items,omitempty"`
	Rules map[string]interface{} `json:"rules,omitempty"`
	Label string                 `json:"label,omitempty"`
	Notes string                 `json:"notes,omitempty"`
}

// handleInitialAnalysis runs the first import of a codebook: parse the
// upload, code every item through the LLM, snapshot the result as
// version 1 and activate it. Exactly one audit entry is written for the
// whole operation.
func handleInitialAnalysis(ctx context.Context, env *Env, job *models.Job) (interface{}, error) {
	cb, err := loadCodebook(env.DB, job)
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctLoaded) {
		return nil, analysis.ErrCancelled
	}

	var payload initialAnalysisPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, err
	}
	items, err := payloadItems(payload.CSV, payload.Items)
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctParsed) {
		return nil, analysis.ErrCancelled
	}

	rules, err := effectiveRules(env.DB, cb, payload.Rules)
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctRules) {
		return nil, analysis.ErrCancelled
	}

	res, err := analyzeWithCheckpoints(ctx, env, job, items, cb.Type, rules)
	if err != nil {
		return nil, err
	}
	recordUsage(env, job, "initial_analysis", res.TokensUsed)

	// Version creation, activation and the operation audit entry commit
	// or roll back together: an activated version is never observable
	// without its audit record.
	var v *models.CodebookVersion
	err = env.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		v, txErr = version.Create(tx, cb.ID, cb.ClientID, codedToModels(res.Items, cb.ClientID), version.CreateOpts{
			Label:           payload.Label,
			Notes:           payload.Notes,
			PromptVersion:   analysis.PromptVersion,
			AnalysisSummary: res.AnalysisSummary,
			AnalysisDetails: res.AnalysisDetails,
			RulesSnapshot:   rules,
			CreatedBy:       job.CreatedBy,
		})
		if txErr != nil {
			return txErr
		}
		if txErr := version.Activate(tx, cb.ID, v.ID); txErr != nil {
			return txErr
		}
		_, txErr = audit.Append(tx, audit.Entry{
			ClientID:   cb.ClientID,
			CodebookID: &cb.ID,
			VersionID:  &v.ID,
			ActionType: audit.ActionInitialImport,
			Summary:    fmt.Sprintf("Initial import of %d items as version %d", len(res.Items), v.VersionNumber),
			Details: map[string]interface{}{
				"job_id":     job.ID,
				"item_count": len(res.Items),
				"summary":    res.AnalysisSummary,
			},
			PerformedBy: job.CreatedBy,
			TokensUsed:  res.TokensUsed,
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctVersioned) {
		// The version and audit entry are committed; cancellation here
		// only skips indexing, which the next mutation rebuilds.
		return nil, analysis.ErrCancelled
	}

	indexVersion(ctx, env, v.ID, cb.ClientID)

	return map[string]interface{}{
		"version_id":     v.ID,
		"version_number": v.VersionNumber,
		"item_count":     len(res.Items),
		"tokens_used":    res.TokensUsed,
	}, nil
}

// refactorPayload is the payload for refactor jobs. A recommendation ID
// points at an accepted structural suggestion; instructions carry ad-hoc
// operator guidance.
type refactorPayload struct {
	RecommendationID string                 `json:"recommendation_id,omitempty"`
	Instructions     string                 `json:"instructions,omitempty"`
	Rules            map[string]interface{} `json:"rules,omitempty"`
	Label            string                 `json:"label,omitempty"`
}

// handleRefactor recodes the active version's items under updated rules
// and produces a new active version. The source version is untouched.
func handleRefactor(ctx context.Context, env *Env, job *models.Job) (interface{}, error) {
	cb, err := loadCodebook(env.DB, job)
	if err != nil {
		return nil, err
	}

	var payload refactorPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, err
	}

	source, err := version.GetActive(env.DB, cb.ID)
	if err != nil {
		return nil, err
	}
	sourceItems, err := version.Items(env.DB, source.ID)
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctLoaded) {
		return nil, analysis.ErrCancelled
	}

	rules, err := effectiveRules(env.DB, cb, payload.Rules)
	if err != nil {
		return nil, err
	}
	if payload.Instructions != "" {
		rules["instructions"] = payload.Instructions
	}
	if payload.RecommendationID != "" {
		rec, err := recommendation.Get(env.DB, payload.RecommendationID)
		if err != nil {
			return nil, err
		}
		var suggestion interface{}
		if err := json.Unmarshal([]byte(rec.SuggestionPayload), &suggestion); err != nil {
			return nil, fmt.Errorf("worker: recommendation %s payload: %w", rec.ID, err)
		}
		rules["accepted_recommendation"] = suggestion
	}

	_, err = audit.Append(env.DB, audit.Entry{
		ClientID:   cb.ClientID,
		CodebookID: &cb.ID,
		VersionID:  &source.ID,
		ActionType: audit.ActionRefactorStarted,
		Summary:    fmt.Sprintf("Refactor of version %d started", source.VersionNumber),
		Details: map[string]interface{}{
			"job_id":            job.ID,
			"recommendation_id": payload.RecommendationID,
		},
		PerformedBy: job.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctRules) {
		return nil, analysis.ErrCancelled
	}

	res, err := analyzeWithCheckpoints(ctx, env, job, itemsToInputs(sourceItems), cb.Type, rules)
	if err != nil {
		return nil, err
	}
	recordUsage(env, job, "refactor", res.TokensUsed)

	label := payload.Label
	if label == "" {
		label = fmt.Sprintf("Refactor of v%d", source.VersionNumber)
	}
	var v *models.CodebookVersion
	err = env.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		v, txErr = version.Create(tx, cb.ID, cb.ClientID, codedToModels(res.Items, cb.ClientID), version.CreateOpts{
			Label:           label,
			PromptVersion:   analysis.PromptVersion,
			AnalysisSummary: res.AnalysisSummary,
			AnalysisDetails: res.AnalysisDetails,
			RulesSnapshot:   rules,
			CreatedBy:       job.CreatedBy,
		})
		if txErr != nil {
			return txErr
		}
		if txErr := version.Activate(tx, cb.ID, v.ID); txErr != nil {
			return txErr
		}
		_, txErr = audit.Append(tx, audit.Entry{
			ClientID:   cb.ClientID,
			CodebookID: &cb.ID,
			VersionID:  &v.ID,
			ActionType: audit.ActionRefactorCompleted,
			Summary:    fmt.Sprintf("Refactor produced version %d from version %d", v.VersionNumber, source.VersionNumber),
			Details: map[string]interface{}{
				"job_id":            job.ID,
				"source_version_id": source.ID,
				"item_count":        len(res.Items),
			},
			PerformedBy: job.CreatedBy,
			TokensUsed:  res.TokensUsed,
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctVersioned) {
		return nil, analysis.ErrCancelled
	}

	indexVersion(ctx, env, v.ID, cb.ClientID)

	return map[string]interface{}{
		"version_id":        v.ID,
		"version_number":    v.VersionNumber,
		"source_version_id": source.ID,
		"item_count":        len(res.Items),
		"tokens_used":       res.TokensUsed,
	}, nil
}

// bulkUploadPayload is the payload for bulk_upload jobs.
type bulkUploadPayload struct {
	CSV   string               `json:"csv,omitempty"`
	Items []analysis.ItemInput `json:"items,omitempty"`
	Label string               `json:"label,omitempty"`
}

// handleBulkUpload codes newly uploaded items and merges them with the
// active version's items into a new active version.
func handleBulkUpload(ctx context.Context, env *Env, job *models.Job) (interface{}, error) {
	cb, err := loadCodebook(env.DB, job)
	if err != nil {
		return nil, err
	}

	var payload bulkUploadPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, err
	}
	newItems, err := payloadItems(payload.CSV, payload.Items)
	if err != nil {
		return nil, err
	}

	source, err := version.GetActive(env.DB, cb.ID)
	if err != nil {
		return nil, err
	}
	existing, err := version.Items(env.DB, source.ID)
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctParsed) {
		return nil, analysis.ErrCancelled
	}

	rules, err := effectiveRules(env.DB, cb, nil)
	if err != nil {
		return nil, err
	}

	res, err := analyzeWithCheckpoints(ctx, env, job, newItems, cb.Type, rules)
	if err != nil {
		return nil, err
	}
	recordUsage(env, job, "bulk_upload", res.TokensUsed)

	merged := mergeItems(existing, res.Items, cb.ClientID)

	label := payload.Label
	if label == "" {
		label = fmt.Sprintf("Bulk upload of %d items", len(res.Items))
	}
	var v *models.CodebookVersion
	err = env.DB.Transaction(func(tx *gorm.DB) error {
		var txErr error
		v, txErr = version.Create(tx, cb.ID, cb.ClientID, merged, version.CreateOpts{
			Label:           label,
			PromptVersion:   analysis.PromptVersion,
			AnalysisSummary: res.AnalysisSummary,
			AnalysisDetails: res.AnalysisDetails,
			RulesSnapshot:   rules,
			CreatedBy:       job.CreatedBy,
		})
		if txErr != nil {
			return txErr
		}
		if txErr := version.Activate(tx, cb.ID, v.ID); txErr != nil {
			return txErr
		}
		_, txErr = audit.Append(tx, audit.Entry{
			ClientID:   cb.ClientID,
			CodebookID: &cb.ID,
			VersionID:  &v.ID,
			ActionType: audit.ActionItemsAdded,
			Summary:    fmt.Sprintf("Added %d items to version %d", len(res.Items), v.VersionNumber),
			Details: map[string]interface{}{
				"job_id":      job.ID,
				"added":       len(res.Items),
				"total_items": len(merged),
			},
			PerformedBy: job.CreatedBy,
			TokensUsed:  res.TokensUsed,
		})
		return txErr
	})
	if err != nil {
		return nil, err
	}
	if checkpoint(env, job, pctVersioned) {
		return nil, analysis.ErrCancelled
	}

	indexVersion(ctx, env, v.ID, cb.ClientID)

	return map[string]interface{}{
		"version_id":     v.ID,
		"version_number": v.VersionNumber,
		"added":          len(res.Items),
		"total_items":    len(merged),
		"tokens_used":    res.TokensUsed,
	}, nil
}

// semanticSearchPayload is the payload for semantic_search jobs.
type semanticSearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// handleSemanticSearch embeds the query and returns the closest items
// from the client's index.
func handleSemanticSearch(ctx context.Context, env *Env, job *models.Job) (interface{}, error) {
	var payload semanticSearchPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, err
	}
	if payload.Query == "" {
		return nil, fmt.Errorf("worker: semantic search requires a query")
	}

	vectors, err := env.LLM.Embed(ctx, []string{payload.Query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.MarkTransient(fmt.Errorf("worker: embedding provider returned no vectors"))
	}

	matches, err := env.Vector.Query(ctx, vectors[0], job.ClientID, payload.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, len(matches))
	for i, m := range matches {
		entry := map[string]interface{}{
			"certainty": m.Certainty,
			"vector_id": m.ID,
		}
		for k, v := range m.Properties {
			entry[k] = v
		}
		results[i] = entry
	}
	return map[string]interface{}{
		"query":   payload.Query,
		"matches": results,
	}, nil
}

// exportPayload is the payload for export jobs. An empty version ID
// exports the active version.
type exportPayload struct {
	VersionID string `json:"version_id,omitempty"`
}

// handleExport renders a version's items as CSV into the job result.
func handleExport(_ context.Context, env *Env, job *models.Job) (interface{}, error) {
	var payload exportPayload
	if err := unmarshalPayload(job, &payload); err != nil {
		return nil, err
	}

	var v *models.CodebookVersion
	var err error
	if payload.VersionID != "" {
		v, err = version.Get(env.DB, payload.VersionID)
	} else {
		if job.CodebookID == nil {
			return nil, fmt.Errorf("worker: export requires a codebook or version ID")
		}
		v, err = version.GetActive(env.DB, *job.CodebookID)
	}
	if err != nil {
		return nil, err
	}

	items, err := version.Items(env.DB, v.ID)
	if err != nil {
		return nil, err
	}

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"code", "original_label", "description", "application", "csi_division", "csi_section"})
	for _, item := range items {
		_ = w.Write([]string{item.Code, item.OriginalLabel, item.Description, item.Application, item.CSIDivision, item.CSISection})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("worker: render export: %w", err)
	}

	return map[string]interface{}{
		"version_id":     v.ID,
		"version_number": v.VersionNumber,
		"item_count":     len(items),
		"format":         "csv",
		"content":        buf.String(),
	}, nil
}

// loadCodebook resolves the job's target codebook.
func loadCodebook(db *gorm.DB, job *models.Job) (*models.Codebook, error) {
	if job.CodebookID == nil {
		return nil, fmt.Errorf("worker: job %s has no codebook", job.ID)
	}
	var cb models.Codebook
	err := db.Where("id = ? AND deleted_at IS NULL", *job.CodebookID).First(&cb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("worker: codebook %s: %w", *job.CodebookID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("worker: load codebook %s: %w", *job.CodebookID, err)
	}
	return &cb, nil
}

// unmarshalPayload decodes the job payload into dst. A malformed
// payload is a permanent failure.
func unmarshalPayload(job *models.Job, dst interface{}) error {
	if job.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(job.Payload), dst); err != nil {
		return fmt.Errorf("worker: job %s payload: %w", job.ID, err)
	}
	return nil
}

// payloadItems resolves the upload into analysis inputs.
func payloadItems(rawCSV string, items []analysis.ItemInput) ([]analysis.ItemInput, error) {
	if rawCSV != "" {
		return ingest.ParseCSV(strings.NewReader(rawCSV))
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("worker: no items in payload")
	}
	return items, nil
}

// effectiveRules merges the codebook's active stored ruleset with
// payload overrides. Payload keys win.
func effectiveRules(db *gorm.DB, cb *models.Codebook, overrides map[string]interface{}) (map[string]interface{}, error) {
	rules := map[string]interface{}{}

	var stored []models.Rule
	err := db.Where("client_id = ? AND is_active = ? AND (codebook_id = ? OR codebook_id IS NULL)", cb.ClientID, true, cb.ID).
		Order("created_at ASC").
		Find(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("worker: load rules for %s: %w", cb.ID, err)
	}
	for _, r := range stored {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(r.RulesJSON), &parsed); err != nil {
			log.Printf("worker: skipping malformed rule %s: %v", r.ID, err)
			continue
		}
		for k, v := range parsed {
			rules[k] = v
		}
	}
	for k, v := range overrides {
		rules[k] = v
	}
	return rules, nil
}

// analyzeWithCheckpoints runs the coder with progress mapped onto the
// 30..70 band and cancellation checked at every batch boundary.
func analyzeWithCheckpoints(ctx context.Context, env *Env, job *models.Job, items []analysis.ItemInput, codebookType string, rules map[string]interface{}) (*analysis.Result, error) {
	onProgress := func(done, total int) {
		pct := pctAnalyzing + (pctAnalyzed-pctAnalyzing)*done/total
		if err := env.Queue.Progress(job.ID, pct); err != nil {
			log.Printf("worker: progress job %s: %v", job.ID, err)
		}
	}
	cancelled := func() bool {
		return checkpointQuiet(env, job)
	}
	return env.Coder.AnalyzeItems(ctx, items, codebookType, rules, onProgress, cancelled)
}

// checkpointQuiet renews the lease and checks cancellation without
// touching progress.
func checkpointQuiet(env *Env, job *models.Job) bool {
	if job.CodebookID != nil {
		ttl := env.Cfg.Worker.LeaseTTL(job.JobType)
		if err := lock.Renew(env.DB, *job.CodebookID, job.ID, ttl); err != nil && !errors.Is(err, apperr.ErrLeaseExpired) {
			log.Printf("worker: renew lease for job %s: %v", job.ID, err)
		}
	}
	flagged, err := env.Queue.CancelRequested(job.ID)
	if err != nil {
		log.Printf("worker: cancel check job %s: %v", job.ID, err)
		return false
	}
	return flagged
}

// codedToModels converts analysis output into item rows. Version IDs
// are assigned by version.Create.
func codedToModels(coded []analysis.CodedItem, clientID string) []models.CodebookItem {
	items := make([]models.CodebookItem, len(coded))
	for i, c := range coded {
		meta := ""
		if len(c.Metadata) > 0 {
			if data, err := json.Marshal(c.Metadata); err == nil {
				meta = string(data)
			}
		}
		items[i] = models.CodebookItem{
			ClientID:      clientID,
			OriginalLabel: c.OriginalLabel,
			Description:   c.Description,
			Code:          c.Code,
			Application:   c.Application,
			CSIDivision:   c.CSIDivision,
			CSISection:    c.CSISection,
			Metadata:      meta,
		}
	}
	return items
}

// itemsToInputs converts stored items back into analysis inputs.
func itemsToInputs(items []models.CodebookItem) []analysis.ItemInput {
	inputs := make([]analysis.ItemInput, len(items))
	for i, item := range items {
		var meta map[string]interface{}
		if item.Metadata != "" {
			_ = json.Unmarshal([]byte(item.Metadata), &meta)
		}
		inputs[i] = analysis.ItemInput{
			OriginalLabel: item.OriginalLabel,
			Description:   item.Description,
			Application:   item.Application,
			Metadata:      meta,
		}
	}
	return inputs
}

// mergeItems appends newly coded items to the existing set, suffixing
// any code that collides with an existing one.
func mergeItems(existing []models.CodebookItem, coded []analysis.CodedItem, clientID string) []models.CodebookItem {
	seen := make(map[string]bool, len(existing))
	merged := make([]models.CodebookItem, 0, len(existing)+len(coded))
	for _, item := range existing {
		seen[item.Code] = true
		merged = append(merged, item)
	}
	for _, item := range codedToModels(coded, clientID) {
		base := item.Code
		for n := 1; seen[item.Code]; n++ {
			item.Code = fmt.Sprintf("%s-%d", base, n)
		}
		seen[item.Code] = true
		merged = append(merged, item)
	}
	return merged
}

// indexVersion embeds a version's items and upserts them into the
// vector index. Indexing is best-effort: the index rebuilds from the
// store, so failures log instead of failing a job whose version is
// already committed and active.
func indexVersion(ctx context.Context, env *Env, versionID, clientID string) {
	if env.Vector == nil {
		return
	}
	items, err := version.Items(env.DB, versionID)
	if err != nil {
		log.Printf("worker: index version %s: %v", versionID, err)
		return
	}

	batchSize := env.Cfg.LLM.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		texts := make([]string, len(batch))
		for i, item := range batch {
			texts[i] = fmt.Sprintf("%s %s %s", item.Code, item.OriginalLabel, item.Description)
		}
		vectors, err := env.LLM.Embed(ctx, texts)
		if err != nil {
			log.Printf("worker: embed items for version %s: %v", versionID, err)
			return
		}
		if len(vectors) != len(batch) {
			log.Printf("worker: embed items for version %s: got %d vectors for %d items", versionID, len(vectors), len(batch))
			return
		}

		docs := make([]vector.Document, len(batch))
		embeddings := make([]models.ItemEmbedding, len(batch))
		for i, item := range batch {
			docs[i] = vector.Document{
				ID:     item.ID,
				Vector: vectors[i],
				Properties: map[string]interface{}{
					"itemId":      item.ID,
					"code":        item.Code,
					"label":       item.OriginalLabel,
					"description": item.Description,
					"application": item.Application,
					"csiSection":  item.CSISection,
					"clientId":    clientID,
				},
			}
			embeddings[i] = models.ItemEmbedding{
				ClientID:       clientID,
				ItemID:         item.ID,
				VectorID:       item.ID,
				EmbeddingModel: env.Cfg.LLM.EmbeddingModel,
			}
		}
		if err := env.Vector.Upsert(ctx, docs); err != nil {
			log.Printf("worker: upsert vectors for version %s: %v", versionID, err)
			return
		}
		if err := env.DB.Create(&embeddings).Error; err != nil {
			log.Printf("worker: record embeddings for version %s: %v", versionID, err)
			return
		}
	}
}

// recordUsage writes LLM token accounting for a job, best-effort.
func recordUsage(env *Env, job *models.Job, op string, tokens int) {
	if tokens == 0 {
		return
	}
	jobID := job.ID
	if err := llm.RecordUsage(env.DB, llm.Usage{
		ClientID:      job.ClientID,
		JobID:         &jobID,
		OperationType: op,
		ModelName:     env.Cfg.LLM.Model,
		TokensTotal:   tokens,
	}); err != nil {
		log.Printf("worker: %v", err)
	}
}
