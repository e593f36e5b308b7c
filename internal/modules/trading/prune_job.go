package trading

import (
	"time"

	"github.com/rs/zerolog"
)

// PruneJob drops terminal orders that fell out of the tracking horizon
type PruneJob struct {
	repo    *OrderRepository
	horizon time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

// NewPruneJob creates an order journal prune job
func NewPruneJob(repo *OrderRepository, horizon time.Duration, log zerolog.Logger) *PruneJob {
	return &PruneJob{
		repo:    repo,
		horizon: horizon,
		now:     time.Now,
		log:     log.With().Str("job", "order_journal_prune").Logger(),
	}
}

// Run deletes closed orders last updated before now minus the horizon
func (j *PruneJob) Run() error {
	deleted, err := j.repo.PruneClosed(j.now().Add(-j.horizon))
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to prune order journal")
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Pruned closed orders")
	}
	return nil
}

// Name returns the job name for scheduling and logging
func (j *PruneJob) Name() string {
	return "order_journal_prune"
}
