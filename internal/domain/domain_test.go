package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDetailsRejectsUnknownFields(t *testing.T) {
	d, err := ParseDetails(KindPropose, []byte(`{"roadName":"Jl. Merdeka","poleSpacing":30}`))
	require.NoError(t, err)
	p, ok := d.(*ProposeDetails)
	require.True(t, ok)
	assert.Equal(t, "Jl. Merdeka", p.RoadName)
	require.NotNil(t, p.PoleSpacing)
	assert.Equal(t, 30.0, *p.PoleSpacing)

	_, err = ParseDetails(KindExisting, []byte(`{"poleSpacing":30}`))
	assert.Error(t, err)

	// DecodeDetails is used for stored documents and tolerates extra keys.
	_, err = DecodeDetails(KindExisting, []byte(`{"poleSpacing":30}`))
	assert.NoError(t, err)

	empty, err := ParseDetails(KindExisting, nil)
	require.NoError(t, err)
	assert.Equal(t, &ExistingDetails{}, empty)

	_, err = ParseDetails("lamp", []byte(`{}`))
	assert.Error(t, err)
}

func TestParseSurveyStatus(t *testing.T) {
	for _, st := range SurveyStatuses {
		got, err := ParseSurveyStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseSurveyStatus("approved")
	assert.Error(t, err)
}

func TestSurveyUnmarshalDecodesDetailsByKind(t *testing.T) {
	raw := []byte(`{"id":"s1","kind":"existing","surveyorUid":"budi","surveyorName":"Budi","latitude":-6.2,"longitude":106.8,"status":"menunggu","createdAt":"2026-01-02T03:04:05Z","details":{"poleId":"T-12","condition":"baik"}}`)
	var s Survey
	require.NoError(t, json.Unmarshal(raw, &s))
	d, ok := s.Details.(*ExistingDetails)
	require.True(t, ok)
	assert.Equal(t, "T-12", d.PoleID)
	assert.Equal(t, StatusMenunggu, s.Status)
}

func TestTaskVisibleTo(t *testing.T) {
	owner := "admin-a"
	legacy := Task{ID: "t1"}
	owned := Task{ID: "t2", CreatedByAdminID: &owner}
	assert.True(t, legacy.VisibleTo(Admin{ID: "admin-b"}))
	assert.True(t, owned.VisibleTo(Admin{ID: "admin-a"}))
	assert.False(t, owned.VisibleTo(Admin{ID: "admin-b"}))

	blank := ""
	unowned := Task{ID: "t3", CreatedByAdminID: &blank}
	assert.True(t, unowned.VisibleTo(Admin{ID: "admin-b"}))
}
