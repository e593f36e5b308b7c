package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/aristath/rebalancer/internal/testing"
)

type fakeDB struct {
	healthErr     error
	checkpointErr error
	checkpoints   []string
}

func (f *fakeDB) Name() string { return "rebalancer" }

func (f *fakeDB) Path() string { return "/data/rebalancer.db" }

func (f *fakeDB) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakeDB) WALCheckpoint(mode string) error {
	f.checkpoints = append(f.checkpoints, mode)
	return f.checkpointErr
}

func newMaintenanceJob(db *fakeDB, free uint64, diskErr error) (*DatabaseMaintenanceJob, *string) {
	job := NewDatabaseMaintenanceJob(db, zerolog.New(nil).Level(zerolog.Disabled))
	var asked string
	job.diskUsage = func(path string) (*disk.UsageStat, error) {
		asked = path
		if diskErr != nil {
			return nil, diskErr
		}
		return &disk.UsageStat{Path: path, Free: free, UsedPercent: 50}, nil
	}
	return job, &asked
}

func TestDatabaseMaintenance(t *testing.T) {
	db := &fakeDB{}
	job, asked := newMaintenanceJob(db, 20<<30, nil)

	require.NoError(t, job.Run())
	assert.Equal(t, []string{"TRUNCATE"}, db.checkpoints)
	assert.Equal(t, "/data", *asked)
	assert.Equal(t, "database_maintenance", job.Name())
}

func TestDatabaseMaintenance_Corrupted(t *testing.T) {
	db := &fakeDB{healthErr: errors.New("integrity check failed")}
	job, _ := newMaintenanceJob(db, 20<<30, nil)

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupted")
	assert.Empty(t, db.checkpoints)
}

func TestDatabaseMaintenance_CheckpointFailureOnlyWarns(t *testing.T) {
	db := &fakeDB{checkpointErr: errors.New("database is locked")}
	job, _ := newMaintenanceJob(db, 20<<30, nil)

	assert.NoError(t, job.Run())
}

func TestDatabaseMaintenance_DiskSpace(t *testing.T) {
	job, _ := newMaintenanceJob(&fakeDB{}, 100<<20, nil)
	assert.Error(t, job.Run())

	job, _ = newMaintenanceJob(&fakeDB{}, 1<<30, nil)
	assert.NoError(t, job.Run(), "low disk space only warns")

	job, _ = newMaintenanceJob(&fakeDB{}, 0, errors.New("statfs failed"))
	assert.NoError(t, job.Run(), "unreadable disk usage is not fatal")
}

func TestDatabaseMaintenance_SQLiteFile(t *testing.T) {
	db := testutil.NewTestDBFile(t)
	job := NewDatabaseMaintenanceJob(db, zerolog.New(nil).Level(zerolog.Disabled))
	job.diskUsage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 20 << 30}, nil
	}

	assert.NoError(t, job.Run())
}
