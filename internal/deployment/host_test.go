package deployment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aristath/releaser/internal/build"
	"github.com/aristath/releaser/internal/remote"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mirrorCall struct {
	local, dest string
	prune       bool
}

type fakeSession struct {
	commands []string
	codes    map[string]int // command substring -> exit code
	uploads  []string
	mirrors  []mirrorCall
	closed   bool
}

func (s *fakeSession) RunCommand(ctx context.Context, cmd string) (remote.CommandResult, error) {
	s.commands = append(s.commands, cmd)
	for sub, code := range s.codes {
		if strings.Contains(cmd, sub) {
			return remote.CommandResult{ExitCode: code}, nil
		}
	}
	return remote.CommandResult{}, nil
}

func (s *fakeSession) UploadFile(ctx context.Context, local, target string) error {
	s.uploads = append(s.uploads, local+" -> "+target)
	return nil
}

func (s *fakeSession) MirrorDirectory(ctx context.Context, localDir, dest string, opts remote.MirrorOptions) (remote.MirrorStats, error) {
	s.mirrors = append(s.mirrors, mirrorCall{localDir, dest, opts.Prune})
	return remote.MirrorStats{}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func testHostConfig() HostConfig {
	return HostConfig{
		ReleaseName:         "mybill",
		BaseDeploymentDir:   `D:\Deployment`,
		BaseBackupDir:       "D:/Backup",
		ScriptsDir:          "D:/scripts",
		BackupDirs:          []string{"D:/Sites/UAT A", "D:/Sites/UAT B"},
		Destinations:        []string{"D:/Sites/UAT A", "D:/Sites/UAT B"},
		Services:            []string{"Billing Service"},
		BackupScript:        "backup.bat",
		ExtractScript:       "extract.bat",
		StopCommand:         `net stop "%s"`,
		StartCommand:        `net start "%s"`,
		ExtractMode:         ExtractScript,
		ExtractSuccessCodes: []int{0},
		SevenZipPath:        "C:/Program Files/7-Zip/7z.exe",
	}
}

func newTestHost(cfg HostConfig, s *fakeSession) *Host {
	h := NewHost(cfg, s, zerolog.Nop())
	h.now = func() time.Time { return time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC) }
	return h
}

func TestBackup_RunsScriptPerDirectory(t *testing.T) {
	s := &fakeSession{}
	require.NoError(t, newTestHost(testHostConfig(), s).Backup(context.Background()))
	assert.Equal(t, []string{
		`D:/scripts/backup.bat "D:/Sites/UAT A" "D:/Backup"`,
		`D:/scripts/backup.bat "D:/Sites/UAT B" "D:/Backup"`,
	}, s.commands)
}

func TestBackup_AttemptsAllAndReportsFailures(t *testing.T) {
	s := &fakeSession{codes: map[string]int{"UAT A": 1}}
	err := newTestHost(testHostConfig(), s).Backup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "some backups failed: D:/Sites/UAT A")
	assert.Len(t, s.commands, 2)
}

func TestServices_StopAndStart(t *testing.T) {
	s := &fakeSession{}
	h := newTestHost(testHostConfig(), s)
	require.NoError(t, h.StopServices(context.Background()))
	require.NoError(t, h.StartServices(context.Background()))
	assert.Equal(t, []string{`net stop "Billing Service"`, `net start "Billing Service"`}, s.commands)

	s.codes = map[string]int{"net start": 2}
	err := h.StartServices(context.Background())
	assert.EqualError(t, err, "some services failed to start: Billing Service")
}

func TestUpload_DatedReleaseDirectory(t *testing.T) {
	s := &fakeSession{}
	target, err := newTestHost(testHostConfig(), s).Upload(context.Background(), "publish/UAT_20240102/UAT_20240102.zip")
	require.NoError(t, err)
	assert.Equal(t, "D:/Deployment/20240102_mybill/UAT_20240102.zip", target)
	assert.Equal(t, []string{"publish/UAT_20240102/UAT_20240102.zip -> " + target}, s.uploads)
}

func TestExtract_ScriptMode(t *testing.T) {
	s := &fakeSession{}
	h := newTestHost(testHostConfig(), s)
	require.NoError(t, h.Extract(context.Background(), "D:/Deployment/20240102_mybill/UAT_20240102.zip", nil))
	assert.Equal(t, []string{
		`D:/scripts/extract.bat "D:/Deployment/20240102_mybill/UAT_20240102.zip" "D:/Sites/UAT A" "D:/Sites/UAT B"`,
	}, s.commands)
}

func TestExtract_ScriptModeSuccessCodes(t *testing.T) {
	s := &fakeSession{codes: map[string]int{"extract.bat": 1}}
	h := newTestHost(testHostConfig(), s)
	assert.Error(t, h.Extract(context.Background(), "pkg.zip", nil))

	cfg := testHostConfig()
	cfg.ExtractSuccessCodes = []int{0, 1}
	assert.NoError(t, newTestHost(cfg, s).Extract(context.Background(), "pkg.zip", nil))
}

func TestExtract_SevenZipMode(t *testing.T) {
	cfg := testHostConfig()
	cfg.ExtractMode = ExtractSevenZip
	s := &fakeSession{codes: map[string]int{"UAT B": 8}}

	err := newTestHost(cfg, s).Extract(context.Background(), "D:/Deployment/20240102_mybill/UAT_20240102.zip", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "D:/Sites/UAT B")
	assert.Equal(t, []string{
		`"C:/Program Files/7-Zip/7z.exe" x "D:/Deployment/20240102_mybill/UAT_20240102.zip" -o"D:/Deployment/20240102_mybill/UAT_20240102" -y`,
		`robocopy "D:/Deployment/20240102_mybill/UAT_20240102" "D:/Sites/UAT A" /IT /E /NFL /NDL`,
		`robocopy "D:/Deployment/20240102_mybill/UAT_20240102" "D:/Sites/UAT B" /IT /E /NFL /NDL`,
	}, s.commands)
}

func TestExtract_SevenZipRobocopyInfoCodesSucceed(t *testing.T) {
	cfg := testHostConfig()
	cfg.ExtractMode = ExtractSevenZip
	s := &fakeSession{codes: map[string]int{"robocopy": 3}}
	assert.NoError(t, newTestHost(cfg, s).Extract(context.Background(), "pkg.zip", nil))
}

func TestExtract_MirrorModeDoesNotPruneByDefault(t *testing.T) {
	cfg := testHostConfig()
	cfg.ExtractMode = ExtractMirror
	cfg.Destinations = []string{`D:\Sites\UAT`}
	s := &fakeSession{}
	art := &build.Artifact{Folders: []string{"publish/UAT_20240102/webapp", "publish/UAT_20240102/service"}}

	require.NoError(t, newTestHost(cfg, s).Extract(context.Background(), "", art))
	assert.Equal(t, []mirrorCall{
		{"publish/UAT_20240102/webapp", "D:/Sites/UAT/webapp", false},
		{"publish/UAT_20240102/service", "D:/Sites/UAT/service", false},
	}, s.mirrors)
	assert.Empty(t, s.commands)
}

func TestExtract_MirrorModeNeedsFolders(t *testing.T) {
	cfg := testHostConfig()
	cfg.ExtractMode = ExtractMirror
	assert.Error(t, newTestHost(cfg, &fakeSession{}).Extract(context.Background(), "", &build.Artifact{}))
}
