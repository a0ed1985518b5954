package convhistory

import "time"

// nowUTC is overridden in tests for deterministic finalized_at_utc values.
var nowUTC = func() time.Time {
	return time.Now().UTC()
}
