package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apjsurvey/internal/domain"
)

func TestParseReferenceFiles(t *testing.T) {
	refs, err := parseReferenceFiles([]string{
		"https://files.example/a.kmz",
		"propose=https://files.example/b.kml",
		"https://files.example/c.kml?sig=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.ReferenceFile{
		{URL: "https://files.example/a.kmz"},
		{Kind: domain.KindPropose, URL: "https://files.example/b.kml"},
		{URL: "https://files.example/c.kml?sig=abc"},
	}, refs)

	_, err = parseReferenceFiles([]string{"lamp=https://files.example/d.kml"})
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	registerCommands()
	want := [][]string{
		{"serve"},
		{"task", "create"}, {"task", "list"}, {"task", "delete"}, {"task", "status"},
		{"survey", "submit"}, {"survey", "list"}, {"survey", "verify"}, {"survey", "validate"},
		{"survey", "reject"}, {"survey", "edit"}, {"survey", "delete"}, {"survey", "queue"}, {"survey", "counts"},
		{"track", "start"}, {"track", "tick"}, {"track", "stop"}, {"track", "list"},
		{"point", "complete"}, {"point", "list"}, {"point", "next"},
		{"config", "init"},
	}
	for _, path := range want {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name(), path)
	}
}
