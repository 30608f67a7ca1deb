package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	backupPrefix = "canvault-"
	backupSuffix = ".db.zst"
)

// Backup snapshots the database into a zstd-compressed archive under
// dir and prunes old archives down to keep. The snapshot is taken
// with VACUUM INTO, which reads a consistent view as of invocation;
// concurrent writers keep committing to the live WAL database and are
// not reflected in the snapshot.
//
// Returns the archive path.
func (s *Store) Backup(ctx context.Context, dir string, keep int) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("storage: backup: no directory configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: backup: %w", err)
	}

	stamp := s.clock.Now().UTC().Format("20060102T150405Z")
	rawPath := filepath.Join(dir, backupPrefix+stamp+".db.tmp")
	archivePath := filepath.Join(dir, backupPrefix+stamp+backupSuffix)

	if err := s.vacuumInto(ctx, rawPath); err != nil {
		os.Remove(rawPath)
		return "", err
	}

	if err := compressFile(rawPath, archivePath); err != nil {
		os.Remove(rawPath)
		os.Remove(archivePath)
		return "", fmt.Errorf("storage: backup: %w", err)
	}
	os.Remove(rawPath)

	if err := pruneBackups(dir, keep); err != nil {
		s.logger.Warn("backup pruning failed", "dir", dir, "error", err)
	}
	return archivePath, nil
}

// vacuumInto holds a pool connection only for the snapshot itself;
// compression happens after the connection is returned.
func (s *Store) vacuumInto(ctx context.Context, path string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("storage: backup: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `VACUUM INTO ?`, &sqlitex.ExecOptions{
		Args: []any{path},
	})
	if err != nil {
		return fmt.Errorf("storage: backup snapshot: %w", err)
	}
	return nil
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// pruneBackups deletes all but the keep most recent archives. The
// timestamped names sort chronologically.
func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var archives []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && strings.HasPrefix(name, backupPrefix) && strings.HasSuffix(name, backupSuffix) {
			archives = append(archives, name)
		}
	}
	if len(archives) <= keep {
		return nil
	}

	sort.Strings(archives)
	for _, name := range archives[:len(archives)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}
