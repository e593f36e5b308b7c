package clientdata

import (
	"encoding/json"
	"fmt"
)

const contractsTable = "ibkr_contracts"

type contractEntry struct {
	ContractID int64 `json:"conid"`
}

// ContractCache persists resolved broker contract identifiers
type ContractCache struct {
	repo *Repository
}

// NewContractCache creates a contract cache on top of the repository
func NewContractCache(repo *Repository) *ContractCache {
	return &ContractCache{repo: repo}
}

// Lookup returns the cached contract id for an asset cache key.
// The second return value is false when there is no fresh entry.
func (c *ContractCache) Lookup(key string) (int64, bool, error) {
	data, err := c.repo.GetIfFresh(contractsTable, key)
	if err != nil {
		return 0, false, err
	}
	if data == nil {
		return 0, false, nil
	}

	var entry contractEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return 0, false, fmt.Errorf("failed to decode cached contract %s: %w", key, err)
	}
	return entry.ContractID, true, nil
}

// Save caches a resolved contract id
func (c *ContractCache) Save(key string, contractID int64) error {
	return c.repo.Store(contractsTable, key, contractEntry{ContractID: contractID}, TTLContract)
}

// Forget drops a cached contract id, e.g. after the broker stops recognising it
func (c *ContractCache) Forget(key string) error {
	return c.repo.Delete(contractsTable, key)
}

// Expire drops contract ids older than TTLContract and returns how many went
func (c *ContractCache) Expire() (int64, error) {
	return c.repo.DeleteExpired(contractsTable)
}
