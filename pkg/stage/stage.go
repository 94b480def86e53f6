package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/task"
)

// Published is one task placed on the queue.
type Published struct {
	Task task.Task
	Body string
}

// Publish encodes every task in m and publishes it to queueName, creating
// the queue when missing. All tasks are encoded before the first publish so
// a bad input never leaves a partially staged project. On a publish error
// the tasks already published are returned with it.
func Publish(ctx context.Context, svc *queue.Service, queueName string, m *Manifest, logger *zap.Logger) ([]Published, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tasks := m.Tasks()
	bodies := make([]string, len(tasks))
	for i, t := range tasks {
		body, err := task.Encode(t)
		if err != nil {
			return nil, fmt.Errorf("encode task for input %d: %w", t.Input.ID, err)
		}
		bodies[i] = body
	}

	exists, err := svc.Exists(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := svc.Create(ctx, queueName); err != nil {
			return nil, err
		}
		logger.Info("Created queue", zap.String("queue", queueName))
	}

	out := make([]Published, 0, len(tasks))
	for i, t := range tasks {
		if err := svc.Publish(ctx, queueName, bodies[i]); err != nil {
			return out, fmt.Errorf("publish task for input %d: %w", t.Input.ID, err)
		}
		out = append(out, Published{Task: t, Body: bodies[i]})
	}

	logger.Info("Staged project",
		zap.String("queue", queueName),
		zap.Int64("project_id", m.ProjectID),
		zap.Int("tasks", len(out)))
	return out, nil
}
