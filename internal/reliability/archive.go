package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Uploader stores one object. *S3Uploader implements it.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
}

// LogArchiver packs a release run directory and ships it off the host.
type LogArchiver struct {
	uploader Uploader
	prefix   string
	now      func() time.Time
	log      zerolog.Logger
}

// NewLogArchiver creates an archiver storing objects under prefix
func NewLogArchiver(uploader Uploader, prefix string, log zerolog.Logger) *LogArchiver {
	return &LogArchiver{
		uploader: uploader,
		prefix:   prefix,
		now:      time.Now,
		log:      log.With().Str("service", "log_archive").Logger(),
	}
}

// Archive uploads runDir as release-<timestamp>.tar.gz and returns the key
func (a *LogArchiver) Archive(ctx context.Context, runDir string) (string, error) {
	startTime := time.Now()

	name := fmt.Sprintf("release-%s.tar.gz", a.now().Format("20060102-150405"))
	key := name
	if a.prefix != "" {
		key = path.Join(a.prefix, name)
	}

	tmp, err := os.CreateTemp("", "release-archive-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create staging archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	files, err := createArchive(tmp, runDir)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("failed to size archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	if err := a.uploader.Upload(ctx, key, tmp, size); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	a.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Str("key", key).
		Int("files", files).
		Int64("size_kb", size/1024).
		Msg("Run logs archived")
	return key, nil
}

// createArchive writes a tar.gz of every regular file under dir to w.
// Entry names are relative to dir.
func createArchive(w io.Writer, dir string) (int, error) {
	gzipWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzipWriter)

	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := addFileToArchive(tarWriter, p, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("failed to add %s: %w", rel, err)
		}
		files++
		return nil
	})
	if err != nil {
		return files, err
	}

	if err := tarWriter.Close(); err != nil {
		return files, err
	}
	return files, gzipWriter.Close()
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	// Log files may still be growing; archive what exists now.
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.CopyN(tarWriter, file, info.Size())
	return err
}
