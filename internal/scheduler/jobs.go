package scheduler

import (
	"context"

	"commhub/internal/events"
	"commhub/internal/idempotency"
	"commhub/internal/metrics"
	"commhub/internal/threading"
)

const (
	JobArchive = "archive-conversations"
	JobSweep   = "sweep-idempotency"
)

// ArchiveJob archives conversations with no activity for afterHours.
func ArchiveJob(schedule string, g *threading.Grouper, afterHours int, bus *events.Bus) Job {
	return Job{
		Name:     JobArchive,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := g.ArchiveInactiveConversations(ctx, afterHours)
			if err != nil {
				return err
			}
			metrics.ConversationsArchived.Add(int64(n))
			bus.Emit(events.Event{
				Type:    events.ConversationsArchived,
				Source:  "scheduler",
				Payload: map[string]any{"count": n, "older_than_hours": afterHours},
			})
			return nil
		},
	}
}

// SweepJob evicts expired idempotency keys and publishes the cache size.
func SweepJob(schedule string, guard *idempotency.Guard) Job {
	return Job{
		Name:     JobSweep,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			guard.ClearExpiredEntries()
			metrics.IdempotencyEntries.Set(int64(guard.Len()))
			return nil
		},
	}
}
