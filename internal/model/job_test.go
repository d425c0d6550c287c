package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr string
	}{
		{"discover ok", DiscoverPayload{SearchTerm: "sales development representative"}, ""},
		{"discover blank", DiscoverPayload{SearchTerm: "  "}, "search_term is required"},
		{"classify ok", ClassifyPayload{Company: "Acme", Description: "uses Outreach"}, ""},
		{"classify no company", ClassifyPayload{Description: "x"}, "company is required"},
		{"classify no description", ClassifyPayload{Company: "Acme"}, "description is required"},
		{"export xlsx ok", ExportPayload{Format: ExportXLSX, Path: "/tmp/out.xlsx"}, ""},
		{"export xlsx no path", ExportPayload{Format: ExportXLSX}, "path is required"},
		{"export notion ok", ExportPayload{Format: ExportNotion, Tool: ToolSalesloft}, ""},
		{"export bad format", ExportPayload{Format: "csv"}, "unknown format"},
		{"export bad tool", ExportPayload{Format: ExportNotion, Tool: "hubspot"}, "unknown tool"},
		{"revalidate ok", RevalidatePayload{CompanyID: 7, CompanyName: "Acme"}, ""},
		{"revalidate no id", RevalidatePayload{CompanyName: "Acme"}, "company_id is required"},
		{"revalidate no name", RevalidatePayload{CompanyID: 7}, "company_name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPayloadJobTypes(t *testing.T) {
	assert.Equal(t, JobTypeDiscover, DiscoverPayload{}.JobType())
	assert.Equal(t, JobTypeClassify, ClassifyPayload{}.JobType())
	assert.Equal(t, JobTypeExport, ExportPayload{}.JobType())
	assert.Equal(t, JobTypeRevalidate, RevalidatePayload{}.JobType())
	assert.True(t, ExportPayload{Urgent: true}.IsUrgent())
	assert.False(t, RevalidatePayload{}.IsUrgent())
}

func TestClassifyPayload_IsSeniorTitle(t *testing.T) {
	senior := []string{"VP of Sales", "Director, Revenue Operations", "Head of SDR", "Senior Account Executive", "Sales Team Lead", "Chief Revenue Officer"}
	for _, title := range senior {
		assert.True(t, ClassifyPayload{Title: title}.IsSeniorTitle(), title)
	}
	junior := []string{"Sales Development Representative", "Account Executive", "Leadership Coordinator"}
	for _, title := range junior {
		assert.False(t, ClassifyPayload{Title: title}.IsSeniorTitle(), title)
	}
}

func TestDecodePayload(t *testing.T) {
	raw, err := json.Marshal(ClassifyPayload{Company: "Acme", Description: "Outreach.io", IsNewCompany: true})
	require.NoError(t, err)

	p, err := DecodePayload(JobTypeClassify, raw)
	require.NoError(t, err)
	cp, ok := p.(ClassifyPayload)
	require.True(t, ok)
	assert.Equal(t, "Acme", cp.Company)
	assert.True(t, cp.IsNewCompany)

	_, err = DecodePayload("bogus", raw)
	assert.Error(t, err)

	_, err = DecodePayload(JobTypeDiscover, json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestToolFlags(t *testing.T) {
	assert.Equal(t, ToolNone, ToolFlags{}.Detected())
	assert.Equal(t, ToolOutreach, ToolFlags{Outreach: true}.Detected())
	assert.Equal(t, ToolSalesloft, ToolFlags{Salesloft: true}.Detected())
	assert.Equal(t, ToolBoth, ToolFlags{Outreach: true, Salesloft: true}.Detected())

	for _, td := range []ToolDetected{ToolNone, ToolOutreach, ToolSalesloft, ToolBoth} {
		assert.Equal(t, td, FlagsFor(td).Detected())
	}

	merged := ToolFlags{Outreach: true}.Merge(ToolFlags{Salesloft: true})
	assert.Equal(t, ToolBoth, merged.Detected())
	assert.True(t, merged.Any())
	assert.False(t, ToolFlags{}.Any())
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, ConfidenceLow, LevelFor(0.2))
	assert.Equal(t, ConfidenceMedium, LevelFor(0.5))
	assert.Equal(t, ConfidenceMedium, LevelFor(0.79))
	assert.Equal(t, ConfidenceHigh, LevelFor(0.8))
}

func TestSearchTermStrategy_EligibleFor(t *testing.T) {
	s := &SearchTermStrategy{Term: "sdr"}
	assert.True(t, s.EligibleFor("indeed"))

	s.PlatformEligibility = map[string]bool{"indeed": false, "linkedin": true}
	assert.False(t, s.EligibleFor("indeed"))
	assert.True(t, s.EligibleFor("linkedin"))
	assert.True(t, s.EligibleFor("glassdoor"), "missing key means eligible")
}
