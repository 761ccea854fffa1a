package ingest

import (
	"strings"
	"testing"

	"github.com/gradeline/codebook/internal/models"
)

func TestParseCSV_StandardColumns(t *testing.T) {
	csv := `label,description,diameter,application
8" DIP Pipe,Ductile iron pipe,8,water
48" Manhole,Precast concrete manhole,48,sanitary
`
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}

	first := items[0]
	if first.OriginalLabel != `8" DIP Pipe` {
		t.Errorf("OriginalLabel = %q", first.OriginalLabel)
	}
	if first.Description != "Ductile iron pipe" {
		t.Errorf("Description = %q", first.Description)
	}
	if first.Application != models.ApplicationWater {
		t.Errorf("Application = %q, want water", first.Application)
	}
	if first.Metadata["diameter"] != "8" {
		t.Errorf("Metadata = %v, want diameter 8", first.Metadata)
	}

	if items[1].Application != models.ApplicationSanitarySewer {
		t.Errorf("Application = %q, want sanitary_sewer", items[1].Application)
	}
}

func TestParseCSV_AliasedColumns(t *testing.T) {
	csv := `Item Name,Long Description,Pipe Size,Utility Type
Gate Valve 6in,Resilient wedge gate valve,6,W
`
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if items[0].OriginalLabel != "Gate Valve 6in" {
		t.Errorf("OriginalLabel = %q", items[0].OriginalLabel)
	}
	if items[0].Description != "Resilient wedge gate valve" {
		t.Errorf("Description = %q", items[0].Description)
	}
	if items[0].Application != models.ApplicationWater {
		t.Errorf("Application = %q, want water from alias W", items[0].Application)
	}
}

func TestParseCSV_UnknownApplicationBecomesOther(t *testing.T) {
	csv := "label,application\nSome item,electrical\n"
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if items[0].Application != models.ApplicationOther {
		t.Errorf("Application = %q, want other", items[0].Application)
	}
}

func TestParseCSV_ExtraColumnsBecomeMetadata(t *testing.T) {
	csv := "label,class,unit\n12in RCP,Class III,LF\n"
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if items[0].Metadata["class"] != "Class III" || items[0].Metadata["unit"] != "LF" {
		t.Errorf("Metadata = %v, want class and unit passed through", items[0].Metadata)
	}
}

func TestParseCSV_SkipsBlankLabels(t *testing.T) {
	csv := "label,description\nReal item,ok\n,orphan description\n"
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("items = %d, want 1", len(items))
	}
}

func TestParseCSV_NoLabelColumn(t *testing.T) {
	csv := "foo,bar\n1,2\n"
	if _, err := ParseCSV(strings.NewReader(csv)); err == nil {
		t.Fatal("ParseCSV without label column succeeded, want error")
	}
}

func TestParseCSV_Empty(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("")); err == nil {
		t.Fatal("ParseCSV on empty input succeeded, want error")
	}
	if _, err := ParseCSV(strings.NewReader("label\n")); err == nil {
		t.Fatal("ParseCSV with header only succeeded, want error")
	}
}

func TestParseCSV_RaggedRows(t *testing.T) {
	csv := "label,description\nShort row\nFull row,with description\n"
	items, err := ParseCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0].Description != "" {
		t.Errorf("short row Description = %q, want empty", items[0].Description)
	}
}
