// Package analysis turns raw codebook items into standardized, coded
// items using the LLM. Large uploads are processed in batches with
// progress reporting and cooperative cancellation between batches.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gradeline/codebook/internal/apperr"
	"github.com/gradeline/codebook/internal/llm"
	"github.com/gradeline/codebook/internal/models"
)

// PromptVersion tags versions with the prompt revision that produced
// their analysis.
const PromptVersion = "analysis-v1.0"

// DefaultBatchSize is the number of items sent per LLM call.
const DefaultBatchSize = 100

// ErrCancelled is returned when the caller's cancellation check fires
// at a batch boundary.
var ErrCancelled = errors.New("analysis: cancelled")

// ItemInput is one raw item from an upload.
type ItemInput struct {
	OriginalLabel string                 `json:"original_label"`
	Description   string                 `json:"description,omitempty"`
	Application   string                 `json:"application,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// CodedItem is one standardized item proposed by the LLM.
type CodedItem struct {
	OriginalLabel string                 `json:"original_label"`
	Code          string                 `json:"code"`
	Description   string                 `json:"description"`
	CSIDivision   string                 `json:"csi_division"`
	CSISection    string                 `json:"csi_section"`
	Application   string                 `json:"application"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Details is the structured analysis output stored on the version.
type Details struct {
	TotalItems            int            `json:"total_items"`
	DivisionsFound        []string       `json:"divisions_found"`
	ApplicationsBreakdown map[string]int `json:"applications_breakdown"`
	Recommendations       []string       `json:"recommendations"`
}

// Result is the outcome of analyzing a full item set.
type Result struct {
	Items           []CodedItem
	AnalysisSummary string
	AnalysisDetails Details
	TokensUsed      int
}

// batchResult mirrors the JSON contract the prompt demands.
type batchResult struct {
	Items           []CodedItem `json:"items"`
	AnalysisSummary string      `json:"analysis_summary"`
	AnalysisDetails Details     `json:"analysis_details"`
}

// csiContext anchors the model in the CSI MasterFormat divisions
// relevant to civil construction.
const csiContext = `Key CSI MasterFormat Divisions for Civil Construction:
- Division 02: Existing Conditions (site assessment, demolition)
- Division 31: Earthwork (grading, excavation, fill, soil stabilization)
- Division 32: Exterior Improvements (paving, curbs, sidewalks, fencing, landscaping)
- Division 33: Utilities (water, sanitary sewer, storm sewer, gas, electrical)
  - 33 05 00: Common Work Results for Utilities
  - 33 10 00: Water Utilities (water distribution, water mains, valves, hydrants)
  - 33 30 00: Sanitary Sewerage (sanitary sewer piping, manholes, cleanouts)
  - 33 40 00: Storm Drainage (storm sewer piping, inlets, detention)
  - 33 50 00: Fuel Distribution
  - 33 70 00: Electrical Utilities
- Division 34: Transportation (roadways, signals, signage)
- Division 35: Waterway and Marine Construction`

const systemPrompt = "You are a construction codebook specialist. Always return valid JSON."

const promptTemplate = `You are an expert construction materials classifier and CSI MasterFormat specialist.

%s

Given these %s items from a civil construction codebook, for EACH item:
1. Generate a standardized code using this pattern: {FAMILY_DIGIT}-{MATERIAL_ABBR}-{SIZE}-{TYPE_CODE}
   - FAMILY_DIGIT: 1=Earthwork, 2=Pipe, 3=Fitting, 4=Valve, 5=Structure, 6=Electrical, 7=Paving, 8=Other
   - MATERIAL_ABBR: DIP=Ductile Iron, PVC=PVC, HDPE=HDPE, RCP=Reinforced Concrete, CMP=Corrugated Metal, STL=Steel, CIP=Cast Iron, etc.
   - SIZE: diameter or size in inches (e.g., 08, 12, 24), use 00 if not applicable
   - TYPE_CODE: P=Pipe, B=Bend, T=Tee, V=Valve, G=Gate, M=Manhole, H=Hydrant, C=Coupling, R=Reducer, E=Elbow, etc.
   Example: 2-DIP-08-B = 8" Ductile Iron Pipe Bend, 4-DIP-06-G = 6" DIP Gate Valve
2. Assign the correct CSI MasterFormat division (e.g., "33")
3. Assign the CSI section (e.g., "33 30 00")
4. Categorize by application: sanitary_sewer, storm_sewer, water, or other
5. Write a clear, standardized description
6. Extract metadata (diameter, material, type, class, etc.)

Items to analyze:
%s

Return valid JSON with this exact structure:
{
  "items": [
    {
      "original_label": "the exact original label provided",
      "code": "generated code",
      "description": "standardized description",
      "csi_division": "two digit division number",
      "csi_section": "full section code like 33 30 00",
      "application": "sanitary_sewer|storm_sewer|water|other",
      "metadata": {"diameter": "...", "material": "...", "type": "...", "class": "..."}
    }
  ],
  "analysis_summary": "2-3 sentence summary of codebook quality and composition",
  "analysis_details": {
    "total_items": 0,
    "divisions_found": ["33", "32"],
    "applications_breakdown": {"water": 0, "sanitary_sewer": 0, "storm_sewer": 0, "other": 0},
    "recommendations": ["recommendation 1", "recommendation 2"]
  }
}`

// Coder runs the analysis pipeline against an LLM client.
type Coder struct {
	llm       llm.Client
	batchSize int
}

// NewCoder creates a Coder. batchSize <= 0 selects the default.
func NewCoder(client llm.Client, batchSize int) *Coder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Coder{llm: client, batchSize: batchSize}
}

// ProgressFunc receives (items done, items total) after each batch.
type ProgressFunc func(done, total int)

// CancelFunc reports whether the caller wants to abort. It is consulted
// only at batch boundaries.
type CancelFunc func() bool

// AnalyzeItems codes the full item set, batching LLM calls. Codes are
// made unique within the result, applications validated, and missing
// fields backfilled from the original inputs.
func (c *Coder) AnalyzeItems(ctx context.Context, items []ItemInput, codebookType string, rules map[string]interface{}, onProgress ProgressFunc, cancelled CancelFunc) (*Result, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("analysis: no items to analyze")
	}
	if onProgress == nil {
		onProgress = func(int, int) {}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	total := len(items)
	var allItems []CodedItem
	var summary string
	var details Details
	tokens := 0
	batches := 0

	for start := 0; start < total; start += c.batchSize {
		if cancelled() {
			return nil, ErrCancelled
		}
		end := start + c.batchSize
		if end > total {
			end = total
		}

		res, batchTokens, err := c.analyzeBatch(ctx, items[start:end], codebookType, rules)
		if err != nil {
			return nil, err
		}
		allItems = append(allItems, res.Items...)
		summary = res.AnalysisSummary
		details = res.AnalysisDetails
		tokens += batchTokens
		batches++
		onProgress(end, total)
	}

	finalizeItems(allItems, items)

	// A single batch keeps the model's own summary; multi-batch runs get
	// a synthesized one covering the whole set.
	if batches > 1 || summary == "" {
		summary, details = synthesize(allItems, codebookType, details.Recommendations)
	} else {
		details.TotalItems = len(allItems)
	}

	return &Result{
		Items:           allItems,
		AnalysisSummary: summary,
		AnalysisDetails: details,
		TokensUsed:      tokens,
	}, nil
}

// analyzeBatch sends one batch through the LLM and parses the response.
func (c *Coder) analyzeBatch(ctx context.Context, items []ItemInput, codebookType string, rules map[string]interface{}) (*batchResult, int, error) {
	itemsJSON, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("analysis: marshal items: %w", err)
	}

	prompt := fmt.Sprintf(promptTemplate, csiContext, codebookType, string(itemsJSON))
	if len(rules) > 0 {
		rulesJSON, err := json.MarshalIndent(rules, "", "  ")
		if err != nil {
			return nil, 0, fmt.Errorf("analysis: marshal rules: %w", err)
		}
		prompt += "\n\nAdditional coding rules to follow:\n" + string(rulesJSON)
	}

	resp, err := c.llm.Complete(ctx, llm.Request{
		System:       systemPrompt,
		Prompt:       prompt,
		MaxTokens:    4096,
		Temperature:  0.1,
		JSONResponse: true,
	})
	if err != nil {
		return nil, 0, err
	}

	var result batchResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		// Malformed output is a provider hiccup, worth a retry.
		return nil, resp.TokensTotal, apperr.MarkTransient(fmt.Errorf("analysis: provider returned invalid JSON: %w", err))
	}
	return &result, resp.TokensTotal, nil
}

// finalizeItems enforces code uniqueness, validates applications and
// backfills description/metadata from the original inputs.
func finalizeItems(coded []CodedItem, originals []ItemInput) {
	lookup := make(map[string]ItemInput, len(originals))
	for _, orig := range originals {
		key := strings.ToLower(strings.TrimSpace(orig.OriginalLabel))
		if key != "" {
			lookup[key] = orig
		}
	}

	seen := make(map[string]bool, len(coded))
	for i := range coded {
		item := &coded[i]

		if item.Code == "" {
			item.Code = fmt.Sprintf("UNCLASSIFIED-%04d", i+1)
		}
		base := item.Code
		for n := 1; seen[item.Code]; n++ {
			item.Code = fmt.Sprintf("%s-%d", base, n)
		}
		seen[item.Code] = true

		if item.OriginalLabel == "" {
			item.OriginalLabel = fmt.Sprintf("Item %d", i+1)
		}

		orig := lookup[strings.ToLower(strings.TrimSpace(item.OriginalLabel))]
		if item.Description == "" {
			item.Description = orig.Description
		}
		if item.Metadata == nil {
			item.Metadata = orig.Metadata
		}
		if item.Application == "" {
			item.Application = orig.Application
		}
		if item.Application != "" && !models.ValidApplication(item.Application) {
			item.Application = models.ApplicationOther
		}
	}
}

// synthesize builds a whole-set summary after batched analysis.
func synthesize(items []CodedItem, codebookType string, recommendations []string) (string, Details) {
	divisionSet := map[string]bool{}
	apps := map[string]int{}
	for _, item := range items {
		if item.CSIDivision != "" {
			divisionSet[item.CSIDivision] = true
		}
		app := item.Application
		if app == "" {
			app = models.ApplicationOther
		}
		apps[app]++
	}
	divisions := make([]string, 0, len(divisionSet))
	for d := range divisionSet {
		divisions = append(divisions, d)
	}
	sort.Strings(divisions)

	summary := fmt.Sprintf("Analyzed %d %s items across %d CSI divisions.", len(items), codebookType, len(divisions))
	if recommendations == nil {
		recommendations = []string{}
	}
	return summary, Details{
		TotalItems:            len(items),
		DivisionsFound:        divisions,
		ApplicationsBreakdown: apps,
		Recommendations:       recommendations,
	}
}
