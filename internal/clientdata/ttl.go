package clientdata

import "time"

// TTL constants, added to time.Now() when storing to calculate expires_at.
const (
	// Contract identifiers only change on corporate actions
	TTLContract = 30 * 24 * time.Hour
)
