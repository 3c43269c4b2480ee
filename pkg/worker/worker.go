package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/health"
	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

const (
	// reconnectDelay applies after broker connection loss.
	reconnectDelay = 5 * time.Second

	// probeTimeout bounds each readiness HTTP attempt.
	probeTimeout = 5 * time.Second

	// exitedLogTail is how many log lines a failed startup reports.
	exitedLogTail = 30
)

// Instances is the subset of the instance manager the worker drives.
type Instances interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name, version, encryptionKey, createdAt string) (*runtime.Container, error)
	Get(ctx context.Context, name string) (*runtime.Container, error)
	Remove(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, tail int) (string, error)
	Projection() *instance.Projection
}

// Store is the job state surface the worker writes to.
type Store interface {
	SetState(ctx context.Context, jobID string, state jobstore.State) error
	Append(ctx context.Context, jobID string, event jobstore.Event) error
}

// Worker consumes provisioning jobs one at a time, creating containers and
// streaming progress into the job store for SSE followers.
type Worker struct {
	cfg    *config.Config
	store  Store
	inst   Instances
	probe  func(ctx context.Context, url string) bool
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Worker. Call Start to begin consuming.
func New(cfg *config.Config, store Store, inst Instances) *Worker {
	w := &Worker{
		cfg:    cfg,
		store:  store,
		inst:   inst,
		logger: log.WithComponent("worker"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	// The probe goes through the public URL, which exercises the proxy
	// route as well as the engine itself.
	w.probe = health.NewHTTPChecker(probeTimeout).Check
	return w
}

// Start launches the consume loop in a goroutine.
func (w *Worker) Start() {
	go w.run()
	w.logger.Info().Msg("Worker started")
}

// Stop signals the loop to exit and waits for it. A job already in flight
// runs to completion first.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.logger.Info().Msg("Worker stopped")
}

// run opens a broker connection with prefetch=1 and processes deliveries
// until stopped, redialing on connection loss.
func (w *Worker) run() {
	defer close(w.doneCh)
	ctx := context.Background()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		consumer := queue.NewConsumer(w.cfg.RabbitMQURL())
		deliveries, err := consumer.Open()
		if err != nil {
			w.logger.Warn().Err(err).Msg("Broker connection failed, retrying in 5s")
			if !w.sleepUnlessStopped(reconnectDelay) {
				return
			}
			continue
		}
		w.logger.Info().Msg("Waiting for provisioning jobs")

		channelClosed := w.consume(ctx, deliveries)
		_ = consumer.Close()
		if !channelClosed {
			return
		}

		w.logger.Warn().Msg("Broker channel closed, reconnecting in 5s")
		if !w.sleepUnlessStopped(reconnectDelay) {
			return
		}
	}
}

// consume drains deliveries until the channel closes (returns true) or the
// worker is stopped (returns false).
func (w *Worker) consume(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-w.stopCh:
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			w.process(ctx, d)
		}
	}
}

// process decodes and runs one job, acking exactly once at the end. A
// malformed payload is dropped rather than redelivered forever.
func (w *Worker) process(ctx context.Context, d amqp.Delivery) {
	var job queue.JobPayload
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.logger.Error().Err(err).Msg("Dropping malformed job payload")
		_ = d.Ack(false)
		return
	}

	start := time.Now()
	outcome := w.runGuarded(ctx, job)
	metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	_ = d.Ack(false)
}

// runGuarded converts a panic below into a terminal error event and a
// best-effort cleanup, so one bad job cannot take the consumer down.
func (w *Worker) runGuarded(ctx context.Context, job queue.JobPayload) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("job_id", job.JobID).Interface("panic", r).Msg("Provisioning job panicked")
			w.fail(ctx, job.JobID, fmt.Sprintf("Erro inesperado: %v", r))
			w.removePartial(ctx, job.Name)
			outcome = "panic"
		}
	}()
	return w.runJob(ctx, job)
}

// runJob executes the full provisioning pipeline for one job and returns
// the outcome label. Every path ends in exactly one terminal event.
func (w *Worker) runJob(ctx context.Context, job queue.JobPayload) string {
	logger := log.WithJobID(job.JobID)
	version := job.Version
	if version == "" {
		version = "latest"
	}
	logger.Info().Str("instance", job.Name).Str("version", version).Msg("Processing provisioning job")

	w.setState(ctx, job.JobID, jobstore.StateRunning)

	exists, err := w.inst.Exists(ctx, job.Name)
	if err == nil && exists {
		w.fail(ctx, job.JobID, fmt.Sprintf("Instância '%s' já existe", job.Name))
		return "duplicate"
	}

	w.info(ctx, job.JobID, "Downloading image and creating container…")

	encryptionKey := instance.GenerateEncryptionKey()
	if _, err := w.inst.Create(ctx, job.Name, version, encryptionKey, ""); err != nil {
		logger.Error().Err(err).Msg("Container creation failed")
		w.fail(ctx, job.JobID, fmt.Sprintf("Failed to create container: %v", err))
		w.removePartial(ctx, job.Name)
		return "create_failed"
	}

	w.info(ctx, job.JobID, "Container created, waiting for engine…")

	publicURL := w.inst.Projection().URL(job.Name)
	ready := false

	for attempt := 0; attempt < w.cfg.ReadinessMaxAttempts; attempt++ {
		time.Sleep(w.cfg.ReadinessPollInterval)

		c, err := w.inst.Get(ctx, job.Name)
		if err != nil {
			continue
		}

		if c.Status == "exited" {
			logs, _ := w.inst.Logs(ctx, job.Name, exitedLogTail)
			w.fail(ctx, job.JobID, fmt.Sprintf("Container stopped during startup.\n%s", logs))
			return "exited"
		}
		if c.Status != "running" {
			continue
		}

		if w.probe(ctx, publicURL) {
			ready = true
			w.info(ctx, job.JobID, "Engine reachable!")
			break
		}

		if attempt%10 == 0 {
			elapsed := attempt * int(w.cfg.ReadinessPollInterval.Seconds())
			w.info(ctx, job.JobID, fmt.Sprintf("Waiting for engine (%ds)…", elapsed))
		}
	}

	if !ready {
		total := w.cfg.ReadinessMaxAttempts * int(w.cfg.ReadinessPollInterval.Seconds())
		w.fail(ctx, job.JobID, fmt.Sprintf("Timeout: engine did not become reachable within %d seconds", total))
		return "timeout"
	}

	if w.cfg.SSLEnabled {
		// Grace period for the proxy to finish certificate issuance.
		w.info(ctx, job.JobID, "Finalizing SSL setup…")
		time.Sleep(w.cfg.SSLWaitSeconds)
	}

	w.append(ctx, job.JobID, jobstore.Event{
		Status:          "complete",
		Message:         "Instance created successfully!",
		InstanceID:      job.Name,
		URL:             publicURL,
		Location:        w.location(job.Location),
		ContainerStatus: "running",
	})
	w.setState(ctx, job.JobID, jobstore.StateComplete)

	logger.Info().Str("instance", job.Name).Msg("Provisioning job complete")
	return "complete"
}

// removePartial tears down a half-created container, best effort.
func (w *Worker) removePartial(ctx context.Context, name string) {
	if err := w.inst.Remove(ctx, name); err != nil && !runtime.IsNotFound(err) {
		w.logger.Warn().Err(err).Str("instance", name).Msg("Failed to remove partial container")
	}
}

func (w *Worker) location(loc string) string {
	if loc == "" {
		return instance.DefaultLocation
	}
	return loc
}

// State and event writes are best effort: once the job key has expired
// there is nobody left to tell.

func (w *Worker) setState(ctx context.Context, jobID string, state jobstore.State) {
	if err := w.store.SetState(ctx, jobID, state); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to write job state")
	}
}

func (w *Worker) append(ctx context.Context, jobID string, event jobstore.Event) {
	if err := w.store.Append(ctx, jobID, event); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to append job event")
	}
}

func (w *Worker) info(ctx context.Context, jobID, message string) {
	w.append(ctx, jobID, jobstore.Event{Status: "info", Message: message})
}

func (w *Worker) fail(ctx context.Context, jobID, message string) {
	w.append(ctx, jobID, jobstore.Event{Status: "error", Message: message})
	w.setState(ctx, jobID, jobstore.StateError)
}

func (w *Worker) sleepUnlessStopped(d time.Duration) bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
