package ports

import (
	"context"
	"time"
)

type SchedulerService interface {
	Start()
	Stop()
	// ScheduleEvery runs task every interval until Stop. A run is skipped
	// while the previous one is still in progress.
	ScheduleEvery(name string, interval time.Duration, task func(ctx context.Context)) error
}
