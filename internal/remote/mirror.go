package remote

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"
)

// MirrorOptions controls MirrorDirectory
type MirrorOptions struct {
	// Prune removes destination files that are absent from the source.
	// Off by default: production files that the release does not know
	// about are left in place.
	Prune bool
}

// MirrorStats summarizes one mirror pass
type MirrorStats struct {
	Uploaded int
	Skipped  int
	Removed  int
}

// MirrorDirectory syncs the local tree at localDir into dest. New files and
// files whose size or modification time differ are uploaded.
func (s *Session) MirrorDirectory(ctx context.Context, localDir, dest string, opts MirrorOptions) (MirrorStats, error) {
	var stats MirrorStats

	rfs, err := s.fileSystem(ctx)
	if err != nil {
		return stats, err
	}
	dest = path.Clean(ToRemotePath(dest))
	if err := mkdirAll(rfs, dest); err != nil {
		return stats, err
	}

	seen := make(map[string]bool)
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := path.Join(dest, filepath.ToSlash(rel))
		seen[target] = true

		if d.IsDir() {
			return mkdirAll(rfs, target)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if upToDate(rfs, target, info) {
			stats.Skipped++
			return nil
		}
		if err := putFile(rfs, p, target); err != nil {
			return err
		}
		mtime := info.ModTime()
		if err := rfs.Chtimes(target, mtime, mtime); err != nil {
			return &TransferError{Op: "chtimes", Path: target, Err: err}
		}
		stats.Uploaded++
		return nil
	})
	if walkErr != nil {
		var transferErr *TransferError
		if errors.As(walkErr, &transferErr) {
			return stats, walkErr
		}
		return stats, &TransferError{Op: "mirror", Path: localDir, Err: walkErr}
	}

	if opts.Prune {
		removed, err := prune(rfs, dest, seen)
		stats.Removed = removed
		if err != nil {
			return stats, err
		}
	}

	s.log.Info().
		Str("source", localDir).
		Str("dest", dest).
		Int("uploaded", stats.Uploaded).
		Int("skipped", stats.Skipped).
		Int("removed", stats.Removed).
		Msg("Directory mirrored")
	return stats, nil
}

// upToDate compares size and whole-second modification time, the precision
// SFTP preserves.
func upToDate(rfs FileSystem, target string, local os.FileInfo) bool {
	remote, err := rfs.Stat(target)
	if err != nil || remote.IsDir() {
		return false
	}
	if remote.Size() != local.Size() {
		return false
	}
	return !local.ModTime().Truncate(time.Second).After(remote.ModTime().Truncate(time.Second))
}

func prune(rfs FileSystem, dir string, keep map[string]bool) (int, error) {
	entries, err := rfs.ReadDir(dir)
	if err != nil {
		return 0, &TransferError{Op: "readdir", Path: dir, Err: err}
	}

	removed := 0
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			if !keep[p] {
				// Directory trees unknown to the source are left alone.
				continue
			}
			n, err := prune(rfs, p, keep)
			removed += n
			if err != nil {
				return removed, err
			}
			continue
		}
		if keep[p] {
			continue
		}
		if err := rfs.Remove(p); err != nil {
			return removed, &TransferError{Op: "remove", Path: p, Err: err}
		}
		removed++
	}
	return removed, nil
}
