package scheduler

import (
	"context"

	"github.com/edgard/signalbot/internal/database"
	"github.com/edgard/signalbot/internal/queue"
)

// RegisterAllTasks builds the maintenance task registry. Task names match
// the scheduler.tasks configuration keys.
func RegisterAllTasks(q *queue.Queue, store database.Store) map[string]TaskFunc {
	return map[string]TaskFunc{
		"queue_retention": func(ctx context.Context) error {
			_, err := q.PurgeAcked(ctx)
			return err
		},
		"sql_maintenance": func(ctx context.Context) error {
			return store.RunSQLMaintenance(ctx)
		},
	}
}
