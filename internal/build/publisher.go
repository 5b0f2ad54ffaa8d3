package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/releaser/internal/utils"
	"github.com/rs/zerolog"
)

// Folder maps a solution folder into the publish tree
type Folder struct {
	Name   string // Folder name in the publish tree
	Source string // Relative to the solution directory
}

// SpaceChecker verifies free disk space before publishing
type SpaceChecker interface {
	EnsureFree(path string, minMB uint64) error
}

// PublisherConfig configures the Publisher
type PublisherConfig struct {
	SolutionDir       string
	PublishDir        string
	Folders           []Folder
	ConfigFiles       map[string][]string // folder name -> files moved to configs/<folder>/
	RemoveConfigFiles bool
	Zip               bool
	MinFreeMB         uint64
}

// Artifact is the output of a publish. Archive is empty when zipping is off;
// Dir always holds the publish tree.
type Artifact struct {
	Dir     string
	Archive string
	Folders []string // absolute paths of the published folders
}

// Path returns the value uploaded for the release: the archive if any
func (a *Artifact) Path() string {
	if a == nil {
		return ""
	}
	return a.Archive
}

// Publisher assembles the publish tree and packs it.
type Publisher struct {
	cfg    PublisherConfig
	packer Packer
	space  SpaceChecker
	now    func() time.Time
	log    zerolog.Logger
}

// NewPublisher creates a publisher. space may be nil.
func NewPublisher(cfg PublisherConfig, packer Packer, space SpaceChecker, log zerolog.Logger) *Publisher {
	return &Publisher{
		cfg:    cfg,
		packer: packer,
		space:  space,
		now:    time.Now,
		log:    log.With().Str("component", "publish").Logger(),
	}
}

// TreeDir is the publish tree for the current day
func (p *Publisher) TreeDir() string {
	return filepath.Join(p.cfg.PublishDir, "UAT_"+p.now().Format("20060102"))
}

// Stage copies the folders and sets config files aside, without packing.
func (p *Publisher) Stage(ctx context.Context) (*Artifact, error) {
	defer utils.OperationTimer("publish", p.log)()

	if p.space != nil && p.cfg.MinFreeMB > 0 {
		if err := os.MkdirAll(p.cfg.PublishDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create publish directory: %w", err)
		}
		if err := p.space.EnsureFree(p.cfg.PublishDir, p.cfg.MinFreeMB); err != nil {
			return nil, err
		}
	}

	tree := p.TreeDir()
	art := &Artifact{Dir: tree}

	p.log.Info().Str("dir", tree).Int("folders", len(p.cfg.Folders)).Msg("Copying deployment folders")
	for _, f := range p.cfg.Folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := filepath.Join(p.cfg.SolutionDir, filepath.FromSlash(f.Source))
		dst := filepath.Join(tree, f.Name)
		if err := copyTree(src, dst); err != nil {
			return nil, fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
		}
		p.log.Info().Str("src", src).Str("dst", dst).Msg("Folder copied")
		art.Folders = append(art.Folders, dst)
	}

	if p.cfg.RemoveConfigFiles {
		for _, f := range p.cfg.Folders {
			for _, name := range p.cfg.ConfigFiles[f.Name] {
				src := filepath.Join(tree, f.Name, name)
				dst := filepath.Join(tree, "configs", f.Name, name)
				if err := p.moveFile(src, dst); err != nil {
					return nil, err
				}
			}
		}
	}
	return art, nil
}

// Publish stages the tree and, when zipping is on, packs the published
// folders into UAT_<date>.zip inside the tree.
func (p *Publisher) Publish(ctx context.Context) (*Artifact, error) {
	art, err := p.Stage(ctx)
	if err != nil {
		return nil, err
	}
	if !p.cfg.Zip {
		p.log.Info().Str("dir", art.Dir).Msg("Publish completed without archive")
		return art, nil
	}
	if len(art.Folders) == 0 {
		return nil, errors.New("no folders published, nothing to pack")
	}

	output := filepath.Join(art.Dir, filepath.Base(art.Dir)+".zip")
	archive, err := p.packer.Pack(ctx, art.Folders, output)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment package: %w", err)
	}
	art.Archive = archive
	p.log.Info().Str("archive", archive).Msg("Artifact published")
	return art, nil
}

// moveFile moves src to dst. A missing src is skipped.
func (p *Publisher) moveFile(src, dst string) error {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		p.log.Warn().Str("file", src).Msg("Config file not found, skipping")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		// cross-device, copy then remove
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to move %s: %w", src, err)
		}
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to remove %s: %w", src, err)
		}
	}
	p.log.Info().Str("src", src).Str("dst", dst).Msg("Config file moved")
	return nil
}

// copyTree copies src into dst, merging with existing content.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
