package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
name: sprint42
log_dir: logs
backup_wait_timeout: 2m
flags:
  zip: true
  remove_config_files: true
  validate_before_execute: false
build:
  solution_dir: C:/src/app
  dev_cmd_path: C:/VS/VsDevCmd.bat
  targets:
    - name: webapp
      command: msbuild webapp.csproj /p:Configuration=Release
  publish_dir: C:/publish
  folders:
    - name: webapp
      source: webapp
  config_files:
    webapp: [web.config]
remote:
  host: uat.example.internal
  user: deploy
  password: secret
  base_deployment_dir: D:/deployments
  base_backup_dir: D:/backups
  backup_dirs: [D:/sites/webapp]
  restore_dirs: [D:/sites/webapp]
  services: [AppService]
sql:
  url: https://tools.example.internal/generate.aspx
  tables: [Users, Roles]
  connection:
    server: sql01
    user: sa
    password: pw
  databases: [UAT_Main, UAT_Archive]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "release.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_ParsesYAMLAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "sprint42", cfg.Name)
	assert.Equal(t, 2*time.Minute, cfg.BackupWaitTimeout)
	assert.True(t, filepath.IsAbs(cfg.LogDir))
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, []int{0}, cfg.Remote.ExtractSuccessCodes)
	assert.Equal(t, ExtractScript, cfg.Remote.ExtractMode)
	assert.Equal(t, 50505, cfg.SQL.ValidationPort)
	assert.Equal(t, "script.sql", cfg.SQL.FallbackScriptName)
	assert.False(t, cfg.Flags.ValidateBeforeExecute)
	assert.True(t, cfg.Flags.RemoveConfigFiles)
	assert.Equal(t, []string{"web.config"}, cfg.Build.ConfigFiles["webapp"])
	assert.Equal(t, []string{"UAT_Main", "UAT_Archive"}, cfg.SQL.TargetDatabases())
	assert.False(t, cfg.Remote.PruneStale)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELEASE_REMOTE_HOST", "override.example.internal")
	t.Setenv("RELEASE_DB_DATABASES", "A, B ,C")
	t.Setenv("RELEASE_SCHEMA_TABLES", "Orders")
	t.Setenv("RELEASE_REMOTE_PRUNE_STALE", "true")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "override.example.internal", cfg.Remote.Host)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.SQL.Databases)
	assert.Equal(t, []string{"Orders"}, cfg.SQL.Tables)
	assert.True(t, cfg.Remote.PruneStale)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "name: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yaml parse")
}

func TestValidate_ReportsAllMissingKeys(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)

	for _, key := range []string{"remote.host", "remote.user", "remote.base_deployment_dir", "sql.url", "sql.connection.server"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_SkipSchemaDropsSQLRequirements(t *testing.T) {
	cfg := Default()
	cfg.Flags.SkipSchema = true
	cfg.Remote.Host = "h"
	cfg.Remote.User = "u"
	cfg.Remote.KeyPath = "/k"
	cfg.Remote.BaseDeploymentDir = "D:/d"

	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsUnknownExtractMode(t *testing.T) {
	cfg := Default()
	cfg.Flags.SkipSchema = true
	cfg.Remote.Host = "h"
	cfg.Remote.User = "u"
	cfg.Remote.Password = "p"
	cfg.Remote.BaseDeploymentDir = "D:/d"
	cfg.Remote.ExtractMode = "rsync"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extract_mode")
}

func TestEffectiveExtractMode(t *testing.T) {
	cfg := Default()
	cfg.Remote.ExtractMode = ExtractSevenZip
	assert.Equal(t, ExtractSevenZip, cfg.EffectiveExtractMode())

	cfg.Flags.Zip = false
	assert.Equal(t, ExtractMirror, cfg.EffectiveExtractMode())
}

func TestTargetDatabases_FallsBackToConnectionDatabase(t *testing.T) {
	sql := SQLConfig{Connection: SQLConnection{Database: "Only"}}
	assert.Equal(t, []string{"Only"}, sql.TargetDatabases())

	assert.Nil(t, SQLConfig{}.TargetDatabases())
}

func TestDestinations_DefaultToBackupDirs(t *testing.T) {
	r := RemoteConfig{BackupDirs: []string{"D:/sites/a"}}
	assert.Equal(t, []string{"D:/sites/a"}, r.Destinations())

	r.RestoreDirs = []string{"D:/sites/b"}
	assert.Equal(t, []string{"D:/sites/b"}, r.Destinations())
}

func TestRead_SkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  path: data/releases.db\n"), 0644))

	cfg, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "data/releases.db", cfg.History.Path)

	_, err = Load(path)
	assert.Error(t, err)
}

func TestTargetDatabases_DropsDuplicates(t *testing.T) {
	sql := SQLConfig{Databases: []string{"UAT_Main", "UAT_Archive", "uat_main", "UAT_Archive"}}
	assert.Equal(t, []string{"UAT_Main", "UAT_Archive"}, sql.TargetDatabases())
}

func TestValidate_RejectsTooFewWorkers(t *testing.T) {
	cfg := Default()
	cfg.Flags.SkipSchema = true
	cfg.Remote.Host = "h"
	cfg.Remote.User = "u"
	cfg.Remote.Password = "p"
	cfg.Remote.BaseDeploymentDir = "D:/d"

	cfg.Workers = 1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers must be at least 2")

	cfg.Workers = MinWorkers
	assert.NoError(t, cfg.Validate())
}
