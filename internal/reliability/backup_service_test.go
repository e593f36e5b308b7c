package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/clients/objectstore"
)

type fakeSnapshotter struct {
	content string
	err     error
}

func (f fakeSnapshotter) Name() string { return "rebalancer" }

func (f fakeSnapshotter) BackupTo(path string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(path, []byte(f.content), 0644)
}

type memoryStore struct {
	objects   map[string][]byte
	deleted   []string
	uploadErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]objectstore.Object, error) {
	var out []objectstore.Object
	for k, v := range m.objects {
		out = append(out, objectstore.Object{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

var backupNow = time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)

func newTestBackupService(t *testing.T, db Snapshotter, store ObjectStore) *BackupService {
	svc := NewBackupService(db, store, t.TempDir(), "rebalancer-backup-", "1.2.3", zerolog.New(nil).Level(zerolog.Disabled))
	svc.now = func() time.Time { return backupNow }
	return svc
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}
	return files
}

func TestCreateAndUpload(t *testing.T) {
	store := newMemoryStore()
	svc := newTestBackupService(t, fakeSnapshotter{content: "SQLite format 3"}, store)

	key, err := svc.CreateAndUpload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rebalancer-backup-2024-03-15-030000.tar.gz", key)

	files := readArchive(t, store.objects[key])
	assert.Equal(t, "SQLite format 3", string(files["rebalancer.db"]))

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(files["backup-metadata.json"], &metadata))
	assert.Equal(t, "1.2.3", metadata.Version)
	assert.Equal(t, "rebalancer.db", metadata.Database.Filename)
	assert.Equal(t, int64(len("SQLite format 3")), metadata.Database.SizeBytes)
	assert.Contains(t, metadata.Database.Checksum, "sha256:")
	assert.True(t, metadata.Timestamp.Equal(backupNow))

	entries, err := os.ReadDir(svc.dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory is removed")
}

func TestCreateAndUpload_Failures(t *testing.T) {
	svc := newTestBackupService(t, fakeSnapshotter{err: errors.New("database is locked")}, newMemoryStore())
	_, err := svc.CreateAndUpload(context.Background())
	assert.ErrorContains(t, err, "database is locked")

	store := newMemoryStore()
	store.uploadErr = errors.New("access denied")
	svc = newTestBackupService(t, fakeSnapshotter{content: "x"}, store)
	_, err = svc.CreateAndUpload(context.Background())
	assert.ErrorContains(t, err, "access denied")
}

func TestListBackups(t *testing.T) {
	store := newMemoryStore()
	store.objects["rebalancer-backup-2024-03-10-030000.tar.gz"] = []byte("a")
	store.objects["rebalancer-backup-2024-03-14-030000.tar.gz"] = []byte("bb")
	store.objects["rebalancer-backup-garbage.tar.gz"] = []byte("c")
	store.objects["notes.txt"] = []byte("d")
	svc := newTestBackupService(t, fakeSnapshotter{}, store)

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "rebalancer-backup-2024-03-14-030000.tar.gz", backups[0].Key)
	assert.Equal(t, int64(24), backups[0].AgeHours)
	assert.Equal(t, int64(2), backups[0].SizeBytes)
	assert.Equal(t, int64(120), backups[1].AgeHours)
}

func TestRotateOldBackups(t *testing.T) {
	store := newMemoryStore()
	for _, day := range []string{"01", "02", "03", "12", "13", "14"} {
		store.objects["rebalancer-backup-2024-03-"+day+"-030000.tar.gz"] = []byte("x")
	}
	svc := newTestBackupService(t, fakeSnapshotter{}, store)

	deleted, err := svc.RotateOldBackups(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
	assert.Len(t, store.objects, 3)
	assert.NotContains(t, store.objects, "rebalancer-backup-2024-03-01-030000.tar.gz")
	assert.Contains(t, store.objects, "rebalancer-backup-2024-03-12-030000.tar.gz")
}

func TestRotateOldBackups_KeepsNewestThree(t *testing.T) {
	store := newMemoryStore()
	for _, day := range []string{"01", "02", "03", "04"} {
		store.objects["rebalancer-backup-2024-01-"+day+"-030000.tar.gz"] = []byte("x")
	}
	svc := newTestBackupService(t, fakeSnapshotter{}, store)

	deleted, err := svc.RotateOldBackups(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, []string{"rebalancer-backup-2024-01-01-030000.tar.gz"}, store.deleted)

	deleted, err = svc.RotateOldBackups(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestBackupJob(t *testing.T) {
	store := newMemoryStore()
	svc := newTestBackupService(t, fakeSnapshotter{content: "db"}, store)
	job := NewBackupJob(svc, 30)

	require.NoError(t, job.Run())
	assert.Len(t, store.objects, 1)
	assert.Equal(t, "journal_backup", job.Name())
}
