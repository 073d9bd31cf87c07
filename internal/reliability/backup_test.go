package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testingpkg "github.com/aristath/pitboss/internal/testing"
)

type fakeUploader struct {
	uploads []string
	objects []types.Object
	deleted []string
	listErr error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body io.Reader) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	f.uploads = append(f.uploads, key)
	return nil
}

func (f *fakeUploader) List(_ context.Context, _ string) ([]types.Object, error) {
	return f.objects, f.listErr
}

func (f *fakeUploader) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

func archiveKeyAt(t time.Time) string {
	return archivePrefix + t.UTC().Format(archiveTimeLayout) + ".tar.gz"
}

func TestRunNowWritesVerifiableArchive(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	svc := NewBackupService(db, t.TempDir(), nil, 7, zerolog.Nop())

	archive, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	require.FileExists(t, archive)

	members := readArchive(t, archive)
	require.Contains(t, members, "audit.db")
	require.Contains(t, members, "backup-metadata.json")

	var meta archiveMetadata
	require.NoError(t, json.Unmarshal(members["backup-metadata.json"], &meta))
	assert.Equal(t, "audit", meta.Database)
	assert.Equal(t, "audit.db", meta.Filename)
	assert.Equal(t, int64(len(members["audit.db"])), meta.SizeBytes)
	assert.Contains(t, meta.Checksum, "sha256:")
}

func TestRunNowShipsArchiveOffSite(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	uploader := &fakeUploader{}
	svc := NewBackupService(db, t.TempDir(), uploader, 7, zerolog.Nop())

	archive, err := svc.RunNow(context.Background())
	require.NoError(t, err)
	require.FileExists(t, archive)
	require.Len(t, uploader.uploads, 1)
	assert.Contains(t, uploader.uploads[0], archivePrefix)
}

func TestRunNowCleansStaging(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	dataDir := t.TempDir()
	svc := NewBackupService(db, dataDir, nil, 7, zerolog.Nop())

	_, err := svc.RunNow(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "backup-staging-")
	}
}

func TestRotateKeepsRecentUploads(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	now := time.Now()
	uploader := &fakeUploader{}
	for _, age := range []int{0, 1, 2, 10, 20} {
		key := archiveKeyAt(now.AddDate(0, 0, -age))
		uploader.objects = append(uploader.objects, types.Object{Key: aws.String(key)})
	}

	svc := NewBackupService(db, t.TempDir(), uploader, 7, zerolog.Nop())
	require.NoError(t, svc.Rotate(context.Background()))

	require.Len(t, uploader.deleted, 2)
	assert.Contains(t, uploader.deleted, archiveKeyAt(now.AddDate(0, 0, -10)))
	assert.Contains(t, uploader.deleted, archiveKeyAt(now.AddDate(0, 0, -20)))
}

func TestRotateKeepsMinimumRegardlessOfAge(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	now := time.Now()
	uploader := &fakeUploader{}
	for _, age := range []int{30, 40, 50} {
		key := archiveKeyAt(now.AddDate(0, 0, -age))
		uploader.objects = append(uploader.objects, types.Object{Key: aws.String(key)})
	}

	svc := NewBackupService(db, t.TempDir(), uploader, 7, zerolog.Nop())
	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, uploader.deleted)
}

func TestRotateZeroRetentionKeepsEverything(t *testing.T) {
	db, cleanup := testingpkg.NewTestDB(t, "audit")
	defer cleanup()

	now := time.Now()
	uploader := &fakeUploader{}
	for _, age := range []int{0, 100, 200, 300} {
		key := archiveKeyAt(now.AddDate(0, 0, -age))
		uploader.objects = append(uploader.objects, types.Object{Key: aws.String(key)})
	}

	svc := NewBackupService(db, t.TempDir(), uploader, 0, zerolog.Nop())
	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, uploader.deleted)
}

func TestParseArchiveTime(t *testing.T) {
	at, ok := parseArchiveTime("pitboss-backup-2026-08-25-031500.tar.gz")
	require.True(t, ok)
	assert.Equal(t, 2026, at.Year())
	assert.Equal(t, 15, at.Minute())

	for _, key := range []string{
		"other-backup-2026-08-25-031500.tar.gz",
		"pitboss-backup-2026-08-25-031500.zip",
		"pitboss-backup-notatime.tar.gz",
	} {
		_, ok := parseArchiveTime(key)
		assert.False(t, ok, key)
	}
}

// readArchive returns the archive members keyed by name.
func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	members := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		members[header.Name] = data
	}
	return members
}
