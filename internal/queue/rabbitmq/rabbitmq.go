package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"image-classifier/internal/models"

	back "github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	QueueName = "training_jobs"
	// RetryQueueName holds delayed tasks until their per-message TTL expires;
	// they are then dead-lettered back onto QueueName.
	RetryQueueName = "training_jobs.retry"

	dialAttempts = 5
)

type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewClient connects to RabbitMQ and declares the task and retry queues.
func NewClient(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(url)
		if err != nil {
			logger.Warn("RabbitMQ not reachable yet", zap.Error(err))
		}
		return err
	}
	policy := back.WithContext(back.WithMaxRetries(back.NewExponentialBackOff(), dialAttempts), ctx)
	if err := back.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("RabbitMQ client initialized", zap.String("queue", QueueName), zap.String("retry_queue", RetryQueueName))

	return &Client{
		conn:    conn,
		channel: ch,
		logger:  logger,
	}, nil
}

func declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		QueueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueName, err)
	}

	_, err = ch.QueueDeclare(
		RetryQueueName,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": QueueName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", RetryQueueName, err)
	}
	return nil
}

// Enqueue publishes a task for immediate delivery.
func (c *Client) Enqueue(ctx context.Context, task models.TrainingTask) error {
	return c.publish(ctx, QueueName, task, "")
}

// EnqueueAfter parks the task on the retry queue until delay has passed.
func (c *Client) EnqueueAfter(ctx context.Context, task models.TrainingTask, delay time.Duration) error {
	if delay <= 0 {
		return c.Enqueue(ctx, task)
	}
	return c.publish(ctx, RetryQueueName, task, Expiration(delay))
}

// Expiration formats a delay as an AMQP per-message TTL in milliseconds.
func Expiration(delay time.Duration) string {
	return strconv.FormatInt(max(delay.Milliseconds(), 1), 10)
}

func (c *Client) publish(ctx context.Context, queue string, task models.TrainingTask, expiration string) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	// amqp channels are not safe for concurrent publishing.
	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.channel.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Expiration:   expiration,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("published training task",
		zap.String("queue", queue),
		zap.String("classifier_id", task.ClassifierID.String()),
		zap.Int("attempt", task.Attempt))
	return nil
}

// Consume starts delivering tasks with manual acknowledgement. At most
// prefetch deliveries are outstanding at a time.
func (c *Client) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := c.channel.Consume(
		QueueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

// Healthy reports whether the connection is still open.
func (c *Client) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the channel and connection
func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("error closing channel", zap.Error(err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("error closing connection", zap.Error(err))
		}
	}
	return nil
}
