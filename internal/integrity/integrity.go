// Package integrity implements the startup reconciliation pass between the
// durable catalog and the on-disk artifact directory: orphan catalog rows
// (missing files) are dropped, and orphan audio files (not referenced by any
// surviving row) are unlinked.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ttscache/internal/catalog"
)

// audioSuffixes are the file extensions the orphan-file scan considers.
var audioSuffixes = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".wav":  true,
	".opus": true,
}

// fillersDirName is never scanned by the orphan-file pass; its contents are
// preserved regardless of whether a catalog row references them.
const fillersDirName = "fillers"

// HotIndexRemover mirrors the narrow capability the evictor depends on, so
// the integrity pass can drop HotIndex entries for rows it deletes without
// importing hotindex's concrete type.
type HotIndexRemover interface {
	Remove(fingerprint, voice string)
}

// Report summarizes one reconciliation run.
type Report struct {
	OrphanRowsRemoved  int
	OrphanFilesRemoved int
}

type statResult struct {
	entry  catalog.CacheEntry
	exists bool
}

// Reconcile runs both phases against audioDir. It must run after HotIndex
// has loaded from cat and before the server starts accepting traffic.
func Reconcile(ctx context.Context, cat *catalog.Catalog, hot HotIndexRemover, audioDir string) (Report, error) {
	var report Report

	entries, err := cat.GetAllEntriesWithIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("integrity: read catalog rows: %w", err)
	}

	results := make([]statResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, statErr := os.Stat(e.AudioPath)
			results[i] = statResult{entry: e, exists: statErr == nil}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("integrity: stat artifacts: %w", err)
	}

	var orphanIDs []int64
	survivingPaths := make(map[string]struct{}, len(entries))
	for _, res := range results {
		if res.exists {
			survivingPaths[filepath.Clean(res.entry.AudioPath)] = struct{}{}
			if abs, err := filepath.Abs(res.entry.AudioPath); err == nil {
				survivingPaths[filepath.Clean(abs)] = struct{}{}
			}
			continue
		}
		orphanIDs = append(orphanIDs, res.entry.ID)
		if hot != nil {
			hot.Remove(res.entry.TextNormalized, res.entry.VoiceID)
		}
	}

	if len(orphanIDs) > 0 {
		if err := cat.DeleteEntriesByIDs(ctx, orphanIDs); err != nil {
			return report, fmt.Errorf("integrity: delete orphan rows: %w", err)
		}
		report.OrphanRowsRemoved = len(orphanIDs)
		slog.Info("integrity: removed orphan catalog rows", "count", len(orphanIDs))
	}

	removedFiles, err := reconcileFiles(audioDir, survivingPaths)
	if err != nil {
		return report, fmt.Errorf("integrity: reconcile files: %w", err)
	}
	report.OrphanFilesRemoved = removedFiles
	if removedFiles > 0 {
		slog.Info("integrity: removed orphan artifact files", "count", removedFiles)
	}

	return report, nil
}

func reconcileFiles(audioDir string, surviving map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(audioDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == fillersDirName {
			continue // fillers/ and any other subdirectory are never scanned.
		}
		ext := filepath.Ext(entry.Name())
		if !audioSuffixes[ext] {
			continue
		}

		full := filepath.Join(audioDir, entry.Name())
		resolved, err := filepath.Abs(full)
		if err != nil {
			resolved = full
		}
		if _, ok := surviving[filepath.Clean(resolved)]; ok {
			continue
		}
		if _, ok := surviving[filepath.Clean(full)]; ok {
			continue
		}

		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			slog.Warn("integrity: failed to unlink orphan file", "path", full, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
