package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	criticalFreeBytes = 500 << 20
	lowFreeBytes      = 5 << 30
)

// MaintainedDB is a database the maintenance job checks and checkpoints
type MaintainedDB interface {
	Name() string
	Path() string
	HealthCheck(ctx context.Context) error
	WALCheckpoint(mode string) error
}

// DatabaseMaintenanceJob runs the integrity check, truncates the WAL and
// verifies there is room left on the data volume
type DatabaseMaintenanceJob struct {
	db        MaintainedDB
	diskUsage func(path string) (*disk.UsageStat, error)
	log       zerolog.Logger
}

// NewDatabaseMaintenanceJob creates a new DatabaseMaintenanceJob
func NewDatabaseMaintenanceJob(db MaintainedDB, log zerolog.Logger) *DatabaseMaintenanceJob {
	return &DatabaseMaintenanceJob{
		db:        db,
		diskUsage: disk.Usage,
		log:       log.With().Str("job", "database_maintenance").Logger(),
	}
}

// Name returns the job name
func (j *DatabaseMaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run executes the maintenance. Corruption and a nearly full disk fail the
// job, a failed checkpoint only warns.
func (j *DatabaseMaintenanceJob) Run() error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := j.db.HealthCheck(ctx); err != nil {
		j.log.Error().Err(err).Str("database", j.db.Name()).Msg("Database integrity check failed")
		return fmt.Errorf("database %s is corrupted: %w", j.db.Name(), err)
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Str("database", j.db.Name()).Msg("WAL checkpoint failed")
	}

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("Database maintenance completed")
	return nil
}

func (j *DatabaseMaintenanceJob) checkDiskSpace() error {
	dir := filepath.Dir(j.db.Path())
	usage, err := j.diskUsage(dir)
	if err != nil {
		j.log.Warn().Err(err).Str("dir", dir).Msg("Failed to read disk usage")
		return nil
	}

	availableGB := float64(usage.Free) / 1e9
	switch {
	case usage.Free < criticalFreeBytes:
		j.log.Error().Float64("available_gb", availableGB).Msg("Insufficient disk space for the order journal")
		return fmt.Errorf("only %.2f GB free on %s", availableGB, dir)
	case usage.Free < lowFreeBytes:
		j.log.Warn().Float64("available_gb", availableGB).Float64("used_percent", usage.UsedPercent).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
	return nil
}
