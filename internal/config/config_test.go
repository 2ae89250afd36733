package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10000, cfg.Report.MaxRecordsTotal)
	assert.Equal(t, 500, cfg.Report.MaxEmailRecords)
	assert.Equal(t, 30*time.Minute, cfg.Storage.URLTTL)
	assert.Equal(t, 3, cfg.Render.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Render.TaskTimeout)
	assert.Equal(t, 100, cfg.Render.RecycleAfter)
	assert.Equal(t, 5, cfg.Mail.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Mail.SweepInterval)
	assert.Equal(t, "farmestly-dev-secret", cfg.SigningSecret())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("REPORT_MAX_EMAIL_RECORDS=42\nSTORAGE_SECRET=s3cr3t\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("REPORT_MAX_EMAIL_RECORDS")
		os.Unsetenv("STORAGE_SECRET")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Report.MaxEmailRecords)
	assert.Equal(t, "s3cr3t", cfg.SigningSecret())
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := Load("")
	require.Error(t, err)

	t.Setenv("STORAGE_SECRET", "x")
	t.Setenv("STORAGE_BACKEND", "s3")
	_, err = Load("")
	require.ErrorContains(t, err, "STORAGE_S3_BUCKET")

	t.Setenv("STORAGE_S3_BUCKET", "reports")
	t.Setenv("REPORT_DISPATCH", "carrier-pigeon")
	_, err = Load("")
	require.ErrorContains(t, err, "REPORT_DISPATCH")
}
