package deployment

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/releaser/internal/build"
	"github.com/aristath/releaser/internal/remote"
	"github.com/aristath/releaser/internal/utils"
	"github.com/rs/zerolog"
)

// Extraction modes
const (
	ExtractScript   = "script"   // remote extract script unpacks into every destination
	ExtractSevenZip = "sevenzip" // 7-Zip on the host, then robocopy into every destination
	ExtractMirror   = "mirror"   // no package, published folders are mirrored over SFTP
)

// Session is the remote channel a Host drives. *remote.Session implements it.
type Session interface {
	RunCommand(ctx context.Context, cmd string) (remote.CommandResult, error)
	UploadFile(ctx context.Context, local, remote string) error
	MirrorDirectory(ctx context.Context, localDir, dest string, opts remote.MirrorOptions) (remote.MirrorStats, error)
	Close() error
}

// HostConfig holds the target host layout
type HostConfig struct {
	ReleaseName       string
	BaseDeploymentDir string
	BaseBackupDir     string
	ScriptsDir        string
	BackupDirs        []string
	Destinations      []string
	Services          []string

	BackupScript  string
	ExtractScript string
	StopCommand   string // fmt template taking the service name
	StartCommand  string

	ExtractMode         string
	ExtractSuccessCodes []int
	PruneStale          bool
	SevenZipPath        string
}

// Host runs the release steps on the target host over one session.
type Host struct {
	cfg     HostConfig
	session Session
	now     func() time.Time
	log     zerolog.Logger
}

// NewHost creates a host bound to session
func NewHost(cfg HostConfig, session Session, log zerolog.Logger) *Host {
	return &Host{
		cfg:     cfg,
		session: session,
		now:     time.Now,
		log:     log.With().Str("component", "host").Logger(),
	}
}

// Close closes the underlying session
func (h *Host) Close() error {
	return h.session.Close()
}

func (h *Host) script(name string) string {
	if h.cfg.ScriptsDir == "" {
		return name
	}
	return path.Join(remote.ToRemotePath(h.cfg.ScriptsDir), name)
}

// Backup runs the backup script once per backup directory. Every directory
// is attempted; any failure fails the step.
func (h *Host) Backup(ctx context.Context) error {
	defer utils.OperationTimer("backup", h.log)()

	var failed []string
	for _, dir := range h.cfg.BackupDirs {
		h.log.Info().Str("dir", dir).Msg("Backing up")
		cmd := h.script(h.cfg.BackupScript) + " " + utils.QuoteArgs(dir, h.cfg.BaseBackupDir)
		res, err := h.session.RunCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if !res.OK() {
			h.log.Error().Str("dir", dir).Int("exit_code", res.ExitCode).Msg("Backup failed, see execution log")
			failed = append(failed, dir)
			continue
		}
		h.log.Info().Str("dir", dir).Msg("Backup completed")
	}
	if len(failed) > 0 {
		return fmt.Errorf("some backups failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// StopServices stops every configured service
func (h *Host) StopServices(ctx context.Context) error {
	return h.eachService(ctx, h.cfg.StopCommand, "stop")
}

// StartServices starts every configured service
func (h *Host) StartServices(ctx context.Context) error {
	return h.eachService(ctx, h.cfg.StartCommand, "start")
}

func (h *Host) eachService(ctx context.Context, template, verb string) error {
	var failed []string
	for _, svc := range h.cfg.Services {
		h.log.Info().Str("service", svc).Str("action", verb).Msg("Service control")
		res, err := h.session.RunCommand(ctx, fmt.Sprintf(template, svc))
		if err != nil {
			return err
		}
		if !res.OK() {
			h.log.Error().Str("service", svc).Int("exit_code", res.ExitCode).Msgf("Failed to %s service", verb)
			failed = append(failed, svc)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("some services failed to %s: %s", verb, strings.Join(failed, ", "))
	}
	return nil
}

// UploadDir is the dated release directory under the deployment root
func (h *Host) UploadDir() string {
	return path.Join(remote.ToRemotePath(h.cfg.BaseDeploymentDir), h.now().Format("20060102")+"_"+h.cfg.ReleaseName)
}

// Upload copies the package into UploadDir and returns its remote path
func (h *Host) Upload(ctx context.Context, archive string) (string, error) {
	defer utils.OperationTimer("upload", h.log)()

	target := path.Join(h.UploadDir(), filepath.Base(archive))
	h.log.Info().Str("file", archive).Str("remote", target).Msg("Uploading deployment package")
	if err := h.session.UploadFile(ctx, archive, target); err != nil {
		return "", err
	}
	h.log.Info().Str("remote", target).Msg("Deployment package uploaded")
	return target, nil
}

// Extract installs the release into every destination using the configured
// mode. uploaded is the remote package path, unused in mirror mode.
func (h *Host) Extract(ctx context.Context, uploaded string, art *build.Artifact) error {
	defer utils.OperationTimer("extract", h.log)()

	switch h.cfg.ExtractMode {
	case ExtractSevenZip:
		return h.extractSevenZip(ctx, uploaded)
	case ExtractMirror:
		return h.mirror(ctx, art)
	default:
		return h.extractScript(ctx, uploaded)
	}
}

func (h *Host) extractScript(ctx context.Context, uploaded string) error {
	args := append([]string{uploaded}, h.cfg.Destinations...)
	res, err := h.session.RunCommand(ctx, h.script(h.cfg.ExtractScript)+" "+utils.QuoteArgs(args...))
	if err != nil {
		return err
	}
	if !h.extractSucceeded(res.ExitCode) {
		return fmt.Errorf("extract script exited with code %d", res.ExitCode)
	}
	h.log.Info().Strs("destinations", h.cfg.Destinations).Msg("Deployment package extracted")
	return nil
}

func (h *Host) extractSucceeded(code int) bool {
	codes := h.cfg.ExtractSuccessCodes
	if len(codes) == 0 {
		codes = []int{0}
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func (h *Host) extractSevenZip(ctx context.Context, uploaded string) error {
	extracted := strings.TrimSuffix(uploaded, path.Ext(uploaded))
	cmd := fmt.Sprintf(`"%s" x "%s" -o"%s" -y`, h.cfg.SevenZipPath, uploaded, extracted)
	res, err := h.session.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s extraction failed with code %d", uploaded, res.ExitCode)
	}
	h.log.Info().Str("dir", extracted).Msg("Deployment package extracted")

	flags := "/IT /E /NFL /NDL"
	if h.cfg.PruneStale {
		flags = "/IT /MIR /NFL /NDL"
	}
	for _, dest := range h.cfg.Destinations {
		res, err := h.session.RunCommand(ctx, fmt.Sprintf(`robocopy "%s" "%s" %s`, extracted, dest, flags))
		if err != nil {
			return err
		}
		h.log.Debug().Str("dest", dest).Int("exit_code", res.ExitCode).Msg("robocopy finished")
		// robocopy uses codes below 8 for success variants
		if res.ExitCode >= 8 {
			return fmt.Errorf("copying package to %s failed with code %d", dest, res.ExitCode)
		}
		h.log.Info().Str("dest", dest).Msg("Package copied")
	}
	return nil
}

func (h *Host) mirror(ctx context.Context, art *build.Artifact) error {
	if art == nil || len(art.Folders) == 0 {
		return fmt.Errorf("no published folders to mirror")
	}
	opts := remote.MirrorOptions{Prune: h.cfg.PruneStale}
	for _, dest := range h.cfg.Destinations {
		for _, folder := range art.Folders {
			target := path.Join(remote.ToRemotePath(dest), filepath.Base(folder))
			if _, err := h.session.MirrorDirectory(ctx, folder, target, opts); err != nil {
				return err
			}
		}
	}
	return nil
}
