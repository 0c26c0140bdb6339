package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synoptiq/go-conduit"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseRecord(t *testing.T) {
	parse := ParseRecord()
	ctx := context.Background()

	user, err := parse(ctx, []string{"7", "Ann", "ann@example.com", "40", "2023-04-01"})
	require.NoError(t, err)
	assert.Empty(t, user.Invalid)
	assert.Equal(t, 1, user.Line)
	assert.Equal(t, 7, user.ID)
	assert.Equal(t, 40, user.Age)

	user, err = parse(ctx, []string{"x", "Bad", "bad@example.com", "40", "2023-04-01"})
	require.NoError(t, err, "malformed rows are marked, not failed")
	assert.Equal(t, 2, user.Line)
	assert.Contains(t, user.Invalid, "invalid ID")

	user, err = parse(ctx, []string{"1", "Short"})
	require.NoError(t, err)
	assert.Equal(t, "insufficient fields", user.Invalid)
}

func TestValidateRecord(t *testing.T) {
	valid := validateRecord(normalizeEmail(UserRecord{Email: " Ann@Example.COM ", Age: 30}))
	assert.Empty(t, valid.Invalid)
	assert.Equal(t, "ann@example.com", valid.Email)

	assert.Equal(t, "invalid email", validateRecord(UserRecord{Email: "nobody", Age: 30}).Invalid)
	assert.Equal(t, "age out of range", validateRecord(UserRecord{Email: "a@b.c", Age: 0}).Invalid)
	assert.Equal(t, "earlier", validateRecord(UserRecord{Invalid: "earlier"}).Invalid)
}

func TestConfiguredETLPipeline(t *testing.T) {
	path := writeCSV(t, `id,name,email,age,created_at
1,John Doe,John@Example.com,32,2023-01-15
2,Jane Smith,jane@example.net,28,2023-02-20
x,Broken Row,broken@example.com,30,2023-03-06
3,Bob Johnson,bob-at-gmail.com,45,2023-01-10
`)

	config, err := conduit.LoadPipelineConfigFromYAML([]byte(etlConfig))
	require.NoError(t, err)

	summarizer := NewSummarizer()
	registry, err := newRegistry(path, summarizer)
	require.NoError(t, err)

	// Quiet metrics for the test run
	pipeline, err := conduit.BuildPipelineFromConfig[[]string, UserRecord](config, registry,
		conduit.WithMetricsCollector(&conduit.NoopMetricsCollector{}))
	require.NoError(t, err)
	assert.Equal(t, "user_etl", pipeline.Name())
	assert.Equal(t, 3, pipeline.NumPipes(), "the composite adds no pipes to the pipeline")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conduit.Run(ctx, pipeline))

	summary := summarizer.Summary()
	assert.Equal(t, 2, summary.TotalUsers)
	assert.Equal(t, 2, summary.SkippedRecords)
	assert.InDelta(t, 30.0, summary.AverageAge, 0.001)
	assert.Equal(t, map[string]int{"example.com": 1, "example.net": 1}, summary.EmailDomains)
	assert.Equal(t, map[string]int{"2023-01": 1, "2023-02": 1}, summary.RegistrationsByMonth)
}

func TestCSVRowsMissingFile(t *testing.T) {
	_, _, err := CSVRows(filepath.Join(t.TempDir(), "missing.csv"))(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
