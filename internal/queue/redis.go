// Package queue consumes environment intents from a Redis list. Producers
// (webhook receivers, CI jobs, operators) LPUSH JSON intents; the consumer
// pool BRPOPs them and drives the lifecycle controller. Delivery is
// at-least-once, so every handled action is idempotent downstream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jack-michaud/ephemeral-environments/internal/domain"
	"github.com/jack-michaud/ephemeral-environments/internal/metrics"
)

// Intent actions accepted on the queue.
const (
	ActionDeploy    = "deploy"
	ActionStop      = "stop"
	ActionRestart   = "restart"
	ActionRebuild   = "rebuild"
	ActionTerminate = "terminate"
	ActionDestroy   = "destroy"
)

// popTimeout bounds each blocking pop so workers notice context cancellation.
const popTimeout = 5 * time.Second

// Lifecycle is the full set of transitions an intent may request.
type Lifecycle interface {
	Deploy(ctx context.Context, intent domain.DeployIntent) error
	Stop(ctx context.Context, key domain.EnvironmentKey) error
	Restart(ctx context.Context, key domain.EnvironmentKey) error
	Rebuild(ctx context.Context, key domain.EnvironmentKey) error
	Terminate(ctx context.Context, key domain.EnvironmentKey) error
	Destroy(ctx context.Context, key domain.EnvironmentKey) error
}

// envelope is the wire form of one queued intent.
type envelope struct {
	Action     string `json:"action"`
	Repository string `json:"repository"`
	PRNumber   int    `json:"prNumber"`
	Branch     string `json:"branch,omitempty"`
	CommitSHA  string `json:"sha,omitempty"`
	CloneURL   string `json:"cloneUrl,omitempty"`
}

func (e envelope) key() domain.EnvironmentKey {
	return domain.EnvironmentKey{Repository: e.Repository, PRNumber: e.PRNumber}
}

func (e envelope) validate() error {
	switch e.Action {
	case ActionDeploy:
		if e.Branch == "" || e.CommitSHA == "" || e.CloneURL == "" {
			return fmt.Errorf("deploy intent missing branch, sha, or clone url")
		}
	case ActionStop, ActionRestart, ActionRebuild, ActionTerminate, ActionDestroy:
	default:
		return fmt.Errorf("unknown action %q", e.Action)
	}
	if e.Repository == "" || e.PRNumber <= 0 {
		return fmt.Errorf("intent missing repository or PR number")
	}
	return nil
}

// Config names the queue keys and sizes the worker pool.
type Config struct {
	Queue      string
	DeadLetter string
	Workers    int
}

// Consumer pulls intents off the queue and dispatches them to the lifecycle
// controller with a fixed pool of workers.
type Consumer struct {
	client    *redis.Client
	lifecycle Lifecycle
	metrics   *metrics.Set
	logger    *slog.Logger
	cfg       Config
}

func NewConsumer(client *redis.Client, lifecycle Lifecycle, logger *slog.Logger, cfg Config) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Consumer{
		client:    client,
		lifecycle: lifecycle,
		metrics:   metrics.Default(),
		logger:    logger.With("component", "queue"),
		cfg:       cfg,
	}
}

// Run blocks until the context is cancelled, consuming with cfg.Workers
// concurrent workers.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("intent consumer started", "queue", c.cfg.Queue, "workers", c.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	c.logger.Info("intent consumer stopped")
}

func (c *Consumer) work(ctx context.Context, worker int) {
	log := c.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return
		}
		values, err := c.client.BRPop(ctx, popTimeout, c.cfg.Queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("failed to pop intent", "error", err)
			// Brief pause so a dead Redis does not spin the worker.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(values) != 2 {
			continue
		}
		c.handle(ctx, log, values[1])
	}
}

// handle decodes and dispatches one raw intent. Malformed and failed intents
// land on the dead letter list with the failure reason attached.
func (c *Consumer) handle(ctx context.Context, log *slog.Logger, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Error("discarding undecodable intent", "error", err)
		c.deadLetter(ctx, raw, fmt.Errorf("decode: %w", err))
		c.metrics.IntentsConsumed.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	if err := env.validate(); err != nil {
		log.Error("discarding invalid intent", "action", env.Action, "error", err)
		c.deadLetter(ctx, raw, err)
		action := env.Action
		if action == "" {
			action = "unknown"
		}
		c.metrics.IntentsConsumed.WithLabelValues(action, "malformed").Inc()
		return
	}

	log = log.With("action", env.Action, "key", env.key().String())
	log.Info("handling intent")

	if err := c.dispatch(ctx, env); err != nil {
		log.Error("intent failed", "error", err)
		c.deadLetter(ctx, raw, err)
		c.metrics.IntentsConsumed.WithLabelValues(env.Action, "failure").Inc()
		return
	}
	c.metrics.IntentsConsumed.WithLabelValues(env.Action, "success").Inc()
}

func (c *Consumer) dispatch(ctx context.Context, env envelope) error {
	switch env.Action {
	case ActionDeploy:
		return c.lifecycle.Deploy(ctx, domain.DeployIntent{
			Repository: env.Repository,
			PRNumber:   env.PRNumber,
			Branch:     env.Branch,
			CommitSHA:  env.CommitSHA,
			CloneURL:   env.CloneURL,
		})
	case ActionStop:
		return c.lifecycle.Stop(ctx, env.key())
	case ActionRestart:
		return c.lifecycle.Restart(ctx, env.key())
	case ActionRebuild:
		return c.lifecycle.Rebuild(ctx, env.key())
	case ActionTerminate:
		return c.lifecycle.Terminate(ctx, env.key())
	case ActionDestroy:
		return c.lifecycle.Destroy(ctx, env.key())
	default:
		return fmt.Errorf("unknown action %q", env.Action)
	}
}

// deadLetterEntry wraps the original payload with the failure reason so
// operators can requeue after fixing the cause.
type deadLetterEntry struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

func (c *Consumer) deadLetter(ctx context.Context, raw string, cause error) {
	if c.cfg.DeadLetter == "" {
		return
	}
	entry, err := json.Marshal(deadLetterEntry{
		Payload:  raw,
		Reason:   cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := c.client.LPush(ctx, c.cfg.DeadLetter, string(entry)).Err(); err != nil {
		c.logger.Error("failed to push to dead letter list", "error", err)
	}
}
