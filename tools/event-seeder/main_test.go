package main

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEventBenign(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ev := generateEvent(rng, "host-abc", ts, false)

	require.NotEmpty(t, ev.ID)
	assert.Equal(t, "host-abc", ev.HostID)
	assert.Equal(t, ts, ev.Timestamp)
	assert.NotEmpty(t, ev.SummaryText)
	assert.Contains(t, []string{"process", "network", "file", "registry"}, ev.Type)
	assert.NotEmpty(t, ev.RawAttributes)
}

func TestGenerateEventSuspiciousUsesTemplates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		ev := generateEvent(rng, "host-abc", time.Now(), true)
		require.NotEmpty(t, ev.SummaryText)
		seen[ev.Type] = true
	}

	// with 50 draws every template type should come up
	assert.Len(t, seen, len(suspiciousTemplates))
}

func TestLoadScenarios(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	content := `scenarios:
  - event_type: process
    summary: "credential dumper launched by {username}"
    attributes:
      process_name: lsass-dump.exe
      user: "{username}"
  - event_type: network
    summary: "dns tunneling to {ipv4address}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	templates, err := loadScenarios(path)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "process", templates[0].eventType)
	assert.Equal(t, "network", templates[1].eventType)

	rng := rand.New(rand.NewSource(1))
	summary, attrs := templates[0].build(rng)
	assert.Contains(t, summary, "credential dumper launched by ")
	assert.NotContains(t, summary, "{username}", "placeholders are expanded")
	assert.Equal(t, "lsass-dump.exe", attrs["process_name"])
}

func TestLoadScenariosRejectsIncompleteSpecs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  - summary: no type\n"), 0o644))

	_, err := loadScenarios(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event_type")

	require.NoError(t, os.WriteFile(path, []byte("scenarios: []\n"), 0o644))
	_, err = loadScenarios(path)
	require.Error(t, err)
}

func TestGenerateEventUniqueIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(2))

	ids := map[string]bool{}
	for i := 0; i < 100; i++ {
		ev := generateEvent(rng, "host-abc", time.Now(), i%2 == 0)
		assert.False(t, ids[ev.ID])
		ids[ev.ID] = true
	}
}
