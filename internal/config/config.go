// Package config provides release configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/releaser/internal/utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Extraction modes for the remote rollout
const (
	ExtractScript   = "script"   // remote extract script unpacks into every destination
	ExtractSevenZip = "sevenzip" // remote 7-Zip unpack followed by a conservative copy
	ExtractMirror   = "mirror"   // no archive, local publish tree mirrored over SFTP
)

// ReleaseConfig is the complete input of one release run.
// It is built once by Load and never modified afterwards.
type ReleaseConfig struct {
	Name              string        `yaml:"name"`    // Release name, used in the remote deployment folder
	LogDir            string        `yaml:"log_dir"` // Parent of the per-run log directories
	LogLevel          string        `yaml:"log_level"`
	Workers           int           `yaml:"workers"`             // Worker pool cap
	BackupWaitTimeout time.Duration `yaml:"backup_wait_timeout"` // Bound on waiting for an in-flight backup after a failure
	Flags             Flags         `yaml:"flags"`
	Build             BuildConfig   `yaml:"build"`
	Remote            RemoteConfig  `yaml:"remote"`
	SQL               SQLConfig     `yaml:"sql"`
	Archive           ArchiveConfig `yaml:"archive"`
	History           HistoryConfig `yaml:"history"`
}

// Flags toggles optional parts of the release
type Flags struct {
	Zip                   bool `yaml:"zip"`                     // Pack the publish output into one archive
	RemoveConfigFiles     bool `yaml:"remove_config_files"`     // Move environment config files out of the publish tree
	ValidateBeforeExecute bool `yaml:"validate_before_execute"` // Require operator acknowledgment before running SQL
	SkipSchema            bool `yaml:"skip_schema"`             // Do not run the SQL pipeline during a release
}

// BuildTarget is one named build command
type BuildTarget struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// PublishFolder maps a folder of the solution into the publish directory
type PublishFolder struct {
	Name   string `yaml:"name"`   // Folder name inside the publish directory
	Source string `yaml:"source"` // Path relative to the solution directory
}

// BuildConfig configures the local build and publish step
type BuildConfig struct {
	SolutionDir  string              `yaml:"solution_dir"`
	DevCmdPath   string              `yaml:"dev_cmd_path"` // Developer command prompt prefixed to every target
	Targets      []BuildTarget       `yaml:"targets"`
	PublishDir   string              `yaml:"publish_dir"`
	Folders      []PublishFolder     `yaml:"folders"`
	ConfigFiles  map[string][]string `yaml:"config_files"` // Publish folder name -> config files to move aside
	SevenZipPath string              `yaml:"seven_zip_path"`
	MinFreeMB    uint64              `yaml:"min_free_mb"` // Free space required on the publish volume, 0 disables
}

// RemoteConfig configures the deployment target
type RemoteConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	User                string        `yaml:"user"`
	Password            string        `yaml:"password"`
	KeyPath             string        `yaml:"key_path"`
	KnownHostsPath      string        `yaml:"known_hosts_path"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	BaseDeploymentDir   string        `yaml:"base_deployment_dir"`
	BaseBackupDir       string        `yaml:"base_backup_dir"`
	ScriptsDir          string        `yaml:"scripts_dir"` // Remote folder holding the backup and extract scripts
	BackupDirs          []string      `yaml:"backup_dirs"`
	RestoreDirs         []string      `yaml:"restore_dirs"` // Defaults to backup_dirs
	Services            []string      `yaml:"services"`
	BackupScript        string        `yaml:"backup_script"`
	ExtractScript       string        `yaml:"extract_script"`
	StopCommand         string        `yaml:"stop_command"`  // fmt template receiving the service name
	StartCommand        string        `yaml:"start_command"` // fmt template receiving the service name
	ExtractMode         string        `yaml:"extract_mode"`
	ExtractSuccessCodes []int         `yaml:"extract_success_codes"`
	PruneStale          bool          `yaml:"prune_stale"`
	SevenZipPath        string        `yaml:"seven_zip_path"`
	ExecLogName         string        `yaml:"exec_log_name"`
}

// SQLConnection holds SQL Server connection settings
type SQLConnection struct {
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// SQLConfig configures the schema pipeline
type SQLConfig struct {
	URL                string        `yaml:"url"` // Script generator page
	AllTables          bool          `yaml:"all_tables"`
	Tables             []string      `yaml:"tables"`
	ValidationPort     int           `yaml:"validation_port"`
	ValidationTimeout  time.Duration `yaml:"validation_timeout"` // 0 waits forever
	CompanionCommand   []string      `yaml:"companion_command"`  // Empty launches this binary's validate-console
	FallbackScriptName string        `yaml:"fallback_script_name"`
	Connection         SQLConnection `yaml:"connection"`
	Databases          []string      `yaml:"databases"`
}

// ArchiveConfig configures uploading run logs to S3-compatible storage
type ArchiveConfig struct {
	Bucket          string `yaml:"bucket"` // Empty disables archiving
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// HistoryConfig configures the release history database
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// MinWorkers is the number of release tasks that run side by side: the
// schema update and the extraction.
const MinWorkers = 2

// TargetDatabases returns the databases the script runs against, each once.
// SQL Server names are case-insensitive, the first spelling wins.
func (c SQLConfig) TargetDatabases() []string {
	if len(c.Databases) > 0 {
		seen := make(map[string]bool, len(c.Databases))
		var dbs []string
		for _, db := range c.Databases {
			key := strings.ToLower(db)
			if seen[key] {
				continue
			}
			seen[key] = true
			dbs = append(dbs, db)
		}
		return dbs
	}
	if c.Connection.Database != "" {
		return []string{c.Connection.Database}
	}
	return nil
}

// Destinations returns the directories the release is rolled out into
func (c RemoteConfig) Destinations() []string {
	if len(c.RestoreDirs) > 0 {
		return append([]string(nil), c.RestoreDirs...)
	}
	return append([]string(nil), c.BackupDirs...)
}

// EffectiveExtractMode is the extraction mode honoring the zip flag:
// without an archive there is nothing to extract, so the tree is mirrored.
func (c *ReleaseConfig) EffectiveExtractMode() string {
	if !c.Flags.Zip {
		return ExtractMirror
	}
	return c.Remote.ExtractMode
}

// Default returns a configuration with every default applied
func Default() ReleaseConfig {
	return ReleaseConfig{
		Name:              "release",
		LogDir:            "logs",
		LogLevel:          "info",
		Workers:           8,
		BackupWaitTimeout: 5 * time.Minute,
		Flags: Flags{
			Zip:                   true,
			ValidateBeforeExecute: true,
		},
		Build: BuildConfig{
			PublishDir:   "publish",
			SevenZipPath: "C:/Program Files/7-Zip/7z.exe",
		},
		Remote: RemoteConfig{
			Port:                22,
			DialTimeout:         30 * time.Second,
			BackupScript:        "backup.bat",
			ExtractScript:       "extract.bat",
			StopCommand:         `net stop "%s"`,
			StartCommand:        `net start "%s"`,
			ExtractMode:         ExtractScript,
			ExtractSuccessCodes: []int{0},
			SevenZipPath:        "C:/Program Files/7-Zip/7z.exe",
			ExecLogName:         "execution.log",
		},
		SQL: SQLConfig{
			ValidationPort:     50505,
			FallbackScriptName: "script.sql",
			Connection: SQLConnection{
				Port: 1433,
			},
		},
		History: HistoryConfig{
			Path: "releases.db",
		},
	}
}

// Load reads the configuration like Read and validates it for a release.
func Load(path string) (*ReleaseConfig, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads the YAML release file at path, then applies .env and
// environment overrides. An empty path uses defaults plus environment only.
// Commands that never touch the target host use it without validation.
func Read(path string) (*ReleaseConfig, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("yaml parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.LogDir != "" {
		absLogDir, err := filepath.Abs(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve log directory path: %w", err)
		}
		cfg.LogDir = absLogDir
	}

	return &cfg, nil
}

// Validate checks that every required key is present, reporting all
// missing keys at once.
func (c *ReleaseConfig) Validate() error {
	var missing []string
	req := func(value, key string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	req(c.Remote.Host, "remote.host")
	req(c.Remote.User, "remote.user")
	if c.Remote.Password == "" && c.Remote.KeyPath == "" {
		missing = append(missing, "remote.password|remote.key_path")
	}
	req(c.Remote.BaseDeploymentDir, "remote.base_deployment_dir")
	if len(c.Remote.BackupDirs) > 0 {
		req(c.Remote.BaseBackupDir, "remote.base_backup_dir")
	}
	if len(c.Build.Targets) > 0 {
		req(c.Build.SolutionDir, "build.solution_dir")
	}
	if len(c.Build.Folders) > 0 {
		req(c.Build.PublishDir, "build.publish_dir")
	}
	if !c.Flags.SkipSchema {
		req(c.SQL.URL, "sql.url")
		req(c.SQL.Connection.Server, "sql.connection.server")
		if len(c.SQL.TargetDatabases()) == 0 {
			missing = append(missing, "sql.databases|sql.connection.database")
		}
		if !c.SQL.AllTables && len(c.SQL.Tables) == 0 {
			missing = append(missing, "sql.tables|sql.all_tables")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %v", missing)
	}

	switch c.Remote.ExtractMode {
	case ExtractScript, ExtractSevenZip, ExtractMirror:
	default:
		return fmt.Errorf("remote.extract_mode must be one of %s, %s, %s, got %q",
			ExtractScript, ExtractSevenZip, ExtractMirror, c.Remote.ExtractMode)
	}
	if c.Workers < MinWorkers {
		return fmt.Errorf("workers must be at least %d, got %d", MinWorkers, c.Workers)
	}
	return nil
}

func applyEnvOverrides(c *ReleaseConfig) {
	c.LogLevel = getEnv("RELEASE_LOG_LEVEL", c.LogLevel)

	c.Remote.Host = getEnv("RELEASE_REMOTE_HOST", c.Remote.Host)
	c.Remote.Port = getEnvAsInt("RELEASE_REMOTE_PORT", c.Remote.Port)
	c.Remote.User = getEnv("RELEASE_REMOTE_USER", c.Remote.User)
	c.Remote.Password = getEnv("RELEASE_REMOTE_PASSWORD", c.Remote.Password)
	c.Remote.KeyPath = getEnv("RELEASE_REMOTE_KEY_PATH", c.Remote.KeyPath)
	c.Remote.PruneStale = getEnvAsBool("RELEASE_REMOTE_PRUNE_STALE", c.Remote.PruneStale)

	c.SQL.Connection.Server = getEnv("RELEASE_DB_SERVER", c.SQL.Connection.Server)
	c.SQL.Connection.User = getEnv("RELEASE_DB_USER", c.SQL.Connection.User)
	c.SQL.Connection.Password = getEnv("RELEASE_DB_PASSWORD", c.SQL.Connection.Password)
	if dbs := utils.ParseCSV(os.Getenv("RELEASE_DB_DATABASES")); len(dbs) > 0 {
		c.SQL.Databases = dbs
	}
	if tables := utils.ParseCSV(os.Getenv("RELEASE_SCHEMA_TABLES")); len(tables) > 0 {
		c.SQL.Tables = tables
	}

	c.Archive.Bucket = getEnv("RELEASE_ARCHIVE_BUCKET", c.Archive.Bucket)
	c.Archive.Endpoint = getEnv("RELEASE_ARCHIVE_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKeyID = getEnv("RELEASE_ARCHIVE_ACCESS_KEY_ID", c.Archive.AccessKeyID)
	c.Archive.SecretAccessKey = getEnv("RELEASE_ARCHIVE_SECRET_ACCESS_KEY", c.Archive.SecretAccessKey)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
