package clientdata

import (
	"github.com/rs/zerolog"
)

// ContractExpiryJob drops stale contract ids so the next order or quote for
// the symbol re-resolves it with the broker
type ContractExpiryJob struct {
	contracts *ContractCache
	log       zerolog.Logger
}

// NewContractExpiryJob creates the contract cache expiry job
func NewContractExpiryJob(contracts *ContractCache, log zerolog.Logger) *ContractExpiryJob {
	return &ContractExpiryJob{
		contracts: contracts,
		log:       log.With().Str("job", "contract_cache_expiry").Logger(),
	}
}

func (j *ContractExpiryJob) Run() error {
	expired, err := j.contracts.Expire()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to expire cached contract ids")
		return err
	}
	if expired == 0 {
		j.log.Debug().Msg("No stale contract ids")
		return nil
	}
	j.log.Info().
		Int64("expired", expired).
		Dur("ttl", TTLContract).
		Msg("Stale contract ids dropped, they resolve again on next use")
	return nil
}

func (j *ContractExpiryJob) Name() string {
	return "contract_cache_expiry"
}
