// Package ingest parses uploaded CSV codebooks into analysis inputs.
// Customer exports use wildly inconsistent column names, so headers are
// matched against alias lists and unmatched columns ride along as
// metadata.
package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/gradeline/codebook/internal/analysis"
	"github.com/gradeline/codebook/internal/models"
)

// Column alias sets, matched case-insensitively after trimming.
var (
	labelColumns = []string{
		"label", "name", "item", "item name", "item_name", "description",
		"material", "material name", "bid item", "bid_item", "pay item",
		"pay_item", "activity", "code description",
	}
	descriptionColumns = []string{
		"description", "desc", "long description", "long_description",
		"details", "notes", "spec", "specification",
	}
	diameterColumns = []string{
		"diameter", "dia", "size", "pipe size", "pipe_size", "nominal size",
		"nominal_size",
	}
	applicationColumns = []string{
		"application", "app", "use", "utility", "utility type",
		"utility_type", "system", "category", "discipline",
	}
)

// applicationMap normalizes free-text application values.
var applicationMap = map[string]string{
	"sanitary":       models.ApplicationSanitarySewer,
	"sanitary sewer": models.ApplicationSanitarySewer,
	"sanitary_sewer": models.ApplicationSanitarySewer,
	"ss":             models.ApplicationSanitarySewer,
	"sewer":          models.ApplicationSanitarySewer,
	"wastewater":     models.ApplicationSanitarySewer,
	"storm":          models.ApplicationStormSewer,
	"storm sewer":    models.ApplicationStormSewer,
	"storm_sewer":    models.ApplicationStormSewer,
	"sd":             models.ApplicationStormSewer,
	"drainage":       models.ApplicationStormSewer,
	"water":          models.ApplicationWater,
	"w":              models.ApplicationWater,
	"potable":        models.ApplicationWater,
	"waterline":      models.ApplicationWater,
	"water main":     models.ApplicationWater,
}

// ParseCSV reads a CSV stream into analysis inputs. The first row is
// treated as the header. Rows with an empty label are skipped.
func ParseCSV(r io.Reader) ([]analysis.ItemInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("ingest: empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}

	cols := mapColumns(header)
	if cols.label < 0 {
		return nil, fmt.Errorf("ingest: no recognizable label column in header %v", header)
	}

	var items []analysis.ItemInput
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("ingest: line %d: %w", line, err)
		}

		label := field(record, cols.label)
		if label == "" {
			continue
		}

		item := analysis.ItemInput{
			OriginalLabel: label,
			Description:   field(record, cols.description),
			Application:   normalizeApplication(field(record, cols.application)),
		}

		meta := map[string]interface{}{}
		if d := field(record, cols.diameter); d != "" {
			meta["diameter"] = d
		}
		for i, h := range header {
			if i == cols.label || i == cols.description || i == cols.diameter || i == cols.application {
				continue
			}
			if v := field(record, i); v != "" {
				meta[strings.TrimSpace(h)] = v
			}
		}
		if len(meta) > 0 {
			item.Metadata = meta
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("ingest: no usable rows")
	}
	return items, nil
}

// columnIndexes holds the resolved header positions, -1 when absent.
type columnIndexes struct {
	label       int
	description int
	diameter    int
	application int
}

func mapColumns(header []string) columnIndexes {
	cols := columnIndexes{label: -1, description: -1, diameter: -1, application: -1}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch {
		case cols.label < 0 && matchesAlias(name, labelColumns):
			cols.label = i
		case cols.description < 0 && matchesAlias(name, descriptionColumns):
			cols.description = i
		case cols.diameter < 0 && matchesAlias(name, diameterColumns):
			cols.diameter = i
		case cols.application < 0 && matchesAlias(name, applicationColumns):
			cols.application = i
		}
	}
	return cols
}

func matchesAlias(name string, aliases []string) bool {
	for _, a := range aliases {
		if name == a {
			return true
		}
	}
	return false
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// normalizeApplication maps a raw cell value to a known application, or
// returns it lowercased for the analysis pass to validate.
func normalizeApplication(raw string) string {
	if raw == "" {
		return ""
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := applicationMap[key]; ok {
		return mapped
	}
	if models.ValidApplication(key) {
		return key
	}
	return models.ApplicationOther
}
