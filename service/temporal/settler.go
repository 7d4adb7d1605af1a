package temporal

import (
	"context"
	"time"
)

// Settler schedules the automatic finalization of transactions whose challenge
// window is running. Scheduling the same transaction twice is not an error.
type Settler interface {
	ScheduleSettlement(ctx context.Context, transactionID uint64, deadline time.Time) error
}
