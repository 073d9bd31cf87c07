package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/database"
)

const (
	archivePrefix     = "pitboss-backup-"
	archiveTimeLayout = "2006-01-02-150405"

	// Rotation never deletes below this many uploads, whatever their age.
	minUploadsKept = 3
)

// Uploader ships finished archives off-site. A nil Uploader keeps backups
// local-only.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// archiveMetadata travels inside every archive so a restore can verify the
// snapshot before trusting it.
type archiveMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupService archives the audit ledger into DataDir/backups and, when an
// uploader is configured, ships and rotates the off-site copies.
type BackupService struct {
	db            *database.DB
	dataDir       string
	uploader      Uploader
	retentionDays int
	log           zerolog.Logger

	mu sync.Mutex // one backup at a time
}

// NewBackupService creates the backup service. retentionDays of zero keeps
// uploads forever.
func NewBackupService(db *database.DB, dataDir string, uploader Uploader, retentionDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:            db,
		dataDir:       dataDir,
		uploader:      uploader,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup").Logger(),
	}
}

// RunNow performs one full backup cycle and returns the local archive path.
// Upload failures are returned after the local archive is already on disk.
func (s *BackupService) RunNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	// Fold the WAL into the main file so the snapshot is self-contained.
	if err := s.db.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint before backup failed")
	}

	snapshot := filepath.Join(staging, s.db.Name()+".db")
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return "", fmt.Errorf("snapshot %s: %w", s.db.Name(), err)
	}

	meta, err := s.describeSnapshot(snapshot)
	if err != nil {
		return "", err
	}
	metaPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	backupDir := filepath.Join(s.dataDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	archiveName := archivePrefix + started.UTC().Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(backupDir, archiveName)
	if err := createArchive(archivePath, map[string]string{
		filepath.Base(snapshot): snapshot,
		"backup-metadata.json":  metaPath,
	}); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	s.log.Info().
		Str("archive", archiveName).
		Int64("db_bytes", meta.SizeBytes).
		Dur("took", time.Since(started)).
		Msg("Backup archived")

	if s.uploader == nil {
		return archivePath, nil
	}

	if err := s.upload(ctx, archiveName, archivePath); err != nil {
		return archivePath, err
	}
	if err := s.Rotate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return archivePath, nil
}

func (s *BackupService) describeSnapshot(path string) (archiveMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return archiveMetadata{}, fmt.Errorf("stat snapshot: %w", err)
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return archiveMetadata{}, fmt.Errorf("checksum snapshot: %w", err)
	}
	return archiveMetadata{
		Timestamp: time.Now().UTC(),
		Database:  s.db.Name(),
		Filename:  filepath.Base(path),
		SizeBytes: info.Size(),
		Checksum:  sum,
	}, nil
}

func (s *BackupService) upload(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if err := s.uploader.Upload(ctx, name, f); err != nil {
		return fmt.Errorf("ship archive: %w", err)
	}
	s.log.Info().Str("archive", name).Msg("Backup shipped off-site")
	return nil
}

// Rotate deletes off-site archives older than the retention window, always
// keeping the newest minUploadsKept.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.uploader == nil {
		return nil
	}

	objects, err := s.uploader.List(ctx, archivePrefix)
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}

	type upload struct {
		key string
		at  time.Time
	}
	uploads := make([]upload, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		at, ok := parseArchiveTime(*obj.Key)
		if !ok {
			continue
		}
		uploads = append(uploads, upload{key: *obj.Key, at: at})
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].at.After(uploads[j].at) })

	if len(uploads) <= minUploadsKept || s.retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, u := range uploads[minUploadsKept:] {
		if u.at.After(cutoff) {
			continue
		}
		if err := s.uploader.Delete(ctx, u.key); err != nil {
			s.log.Warn().Err(err).Str("key", u.key).Msg("Failed to delete expired upload")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("kept", len(uploads)-deleted).Msg("Uploads rotated")
	}
	return nil
}

// parseArchiveTime recovers the timestamp embedded in an archive key.
func parseArchiveTime(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	at, err := time.Parse(archiveTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta archiveMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

// createArchive writes a tar.gz containing files keyed by their name inside
// the archive.
func createArchive(archivePath string, files map[string]string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	// Deterministic member order.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := addToArchive(tw, files[name], name); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    name,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
