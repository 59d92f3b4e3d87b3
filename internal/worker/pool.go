// Package worker drains training task deliveries with a fixed pool of
// goroutines and acknowledges each delivery once its task has finished.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"image-classifier/internal/models"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskRunner executes one task. A nil error means the delivery is done.
type TaskRunner interface {
	Run(ctx context.Context, task models.TrainingTask) error
}

type Pool struct {
	runner TaskRunner
	size   int
	logger *zap.Logger
}

func NewPool(runner TaskRunner, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{runner: runner, size: size, logger: logger}
}

// Run feeds deliveries to the workers until ctx is cancelled or the channel
// closes, then waits for the tasks in flight. Running tasks are not
// cancelled on shutdown.
func (p *Pool) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	tasks := make(chan amqp.Delivery)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := p.logger.With(zap.Int("worker_id", workerID))
			logger.Info("worker started")
			for d := range tasks {
				p.handle(context.WithoutCancel(ctx), logger, d)
			}
			logger.Info("worker stopped")
		}(i + 1)
	}

	func() {
		defer close(tasks)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					p.logger.Warn("delivery channel closed")
					return
				}
				select {
				case tasks <- d:
				case <-ctx.Done():
					// Not started; hand it back to the broker.
					if err := d.Nack(false, true); err != nil {
						p.logger.Warn("failed to requeue delivery", zap.Error(err))
					}
					return
				}
			}
		}
	}()

	wg.Wait()
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, d amqp.Delivery) {
	var task models.TrainingTask
	if err := json.Unmarshal(d.Body, &task); err != nil || task.ClassifierID == uuid.Nil {
		logger.Error("discarding malformed task", zap.ByteString("body", d.Body), zap.Error(err))
		if err := d.Nack(false, false); err != nil {
			logger.Warn("failed to reject delivery", zap.Error(err))
		}
		return
	}

	logger = logger.With(zap.String("classifier_id", task.ClassifierID.String()))
	logger.Info("received training task", zap.Int("attempt", task.Attempt), zap.Bool("redelivered", d.Redelivered))

	if err := p.runner.Run(ctx, task); err != nil {
		logger.Error("task failed, returning it to the queue", zap.Error(err))
		if err := d.Nack(false, true); err != nil {
			logger.Warn("failed to requeue delivery", zap.Error(err))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn("failed to ack delivery", zap.Error(err))
	}
}
