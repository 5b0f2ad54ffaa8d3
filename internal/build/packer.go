package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

// Packer turns a set of directories into one archive at output.
type Packer interface {
	Pack(ctx context.Context, dirs []string, output string) (string, error)
}

// SevenZipPacker packs with the external 7-Zip tool and falls back to
// another packer when the tool is missing or cannot start.
type SevenZipPacker struct {
	path     string
	fallback Packer
	log      zerolog.Logger
}

// NewSevenZipPacker creates a packer using the 7z executable at path
func NewSevenZipPacker(path string, fallback Packer, log zerolog.Logger) *SevenZipPacker {
	return &SevenZipPacker{path: path, fallback: fallback, log: log.With().Str("component", "packer").Logger()}
}

// Pack runs `7z a -tzip <output> <dirs...> -mx=9`
func (p *SevenZipPacker) Pack(ctx context.Context, dirs []string, output string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if _, err := os.Stat(p.path); err != nil {
		return p.useFallback(ctx, dirs, output, err)
	}

	args := append([]string{"a", "-tzip", output}, dirs...)
	args = append(args, "-mx=9")
	cmd := exec.CommandContext(ctx, p.path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.log.Error().Int("exit_code", exitErr.ExitCode()).Str("output", tail(string(out), 2000)).Msg("7-Zip failed")
			return "", fmt.Errorf("7-Zip exited with code %d", exitErr.ExitCode())
		}
		return p.useFallback(ctx, dirs, output, err)
	}

	p.log.Info().Str("archive", output).Msg("Deployment package created (7-Zip)")
	return output, nil
}

func (p *SevenZipPacker) useFallback(ctx context.Context, dirs []string, output string, cause error) (string, error) {
	if p.fallback == nil {
		return "", fmt.Errorf("7-Zip unavailable: %w", cause)
	}
	p.log.Warn().Err(cause).Str("path", p.path).Msg("7-Zip not available, falling back to built-in zip")
	return p.fallback.Pack(ctx, dirs, output)
}

// ZipPacker writes deflate zip archives in process. Entry names are relative
// to the parent of the first directory, so every directory keeps its own
// top-level folder in the archive.
type ZipPacker struct {
	log zerolog.Logger
}

// NewZipPacker creates the in-process packer
func NewZipPacker(log zerolog.Logger) *ZipPacker {
	return &ZipPacker{log: log.With().Str("component", "packer").Logger()}
}

// Pack writes the archive
func (p *ZipPacker) Pack(ctx context.Context, dirs []string, output string) (string, error) {
	if len(dirs) == 0 {
		return "", errors.New("nothing to pack")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	f, err := os.Create(output)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	base := filepath.Dir(dirs[0])
	files := 0
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			if err := addFile(zw, path, filepath.ToSlash(rel)); err != nil {
				return err
			}
			files++
			return nil
		})
		if err != nil {
			zw.Close()
			f.Close()
			os.Remove(output)
			return "", fmt.Errorf("failed to pack %s: %w", dir, err)
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	p.log.Info().Str("archive", output).Int("files", files).Msg("Deployment package created")
	return output, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}
