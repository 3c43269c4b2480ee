package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func testConfig() *config.Config {
	return &config.Config{
		BaseDomain:            "n8n.example.com.br",
		SSLEnabled:            false,
		DefaultTimezone:       "America/Sao_Paulo",
		ReadinessMaxAttempts:  5,
		ReadinessPollInterval: time.Millisecond,
		SSLWaitSeconds:        0,
	}
}

// fakeInstances scripts container lifecycle behavior for the pipeline.
type fakeInstances struct {
	proj        *instance.Projection
	existing    map[string]bool
	createErr   error
	createPanic string
	statusSeq   []string
	getCalls    int
	created     []string
	removed     []string
	logs        string
}

func newFakeInstances(cfg *config.Config) *fakeInstances {
	return &fakeInstances{
		proj:      instance.NewProjection(cfg),
		existing:  map[string]bool{},
		statusSeq: []string{"running"},
		logs:      "startup log line\n",
	}
}

func (f *fakeInstances) Exists(_ context.Context, name string) (bool, error) {
	return f.existing[name], nil
}

func (f *fakeInstances) Create(_ context.Context, name, version, key, _ string) (*runtime.Container, error) {
	if f.createPanic != "" {
		panic(f.createPanic)
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, name+":"+version)
	f.existing[name] = true
	return &runtime.Container{Name: "engine-" + name, Status: "running", Env: map[string]string{"N8N_ENCRYPTION_KEY": key}}, nil
}

func (f *fakeInstances) Get(_ context.Context, name string) (*runtime.Container, error) {
	status := f.statusSeq[len(f.statusSeq)-1]
	if f.getCalls < len(f.statusSeq) {
		status = f.statusSeq[f.getCalls]
	}
	f.getCalls++
	return &runtime.Container{Name: "engine-" + name, Status: status}, nil
}

func (f *fakeInstances) Remove(_ context.Context, name string) error {
	f.removed = append(f.removed, name)
	delete(f.existing, name)
	return nil
}

func (f *fakeInstances) Logs(_ context.Context, _ string, _ int) (string, error) {
	return f.logs, nil
}

func (f *fakeInstances) Projection() *instance.Projection {
	return f.proj
}

type fakeAcker struct {
	acks  int
	nacks int
}

func (a *fakeAcker) Ack(_ uint64, _ bool) error          { a.acks++; return nil }
func (a *fakeAcker) Nack(_ uint64, _ bool, _ bool) error { a.nacks++; return nil }
func (a *fakeAcker) Reject(_ uint64, _ bool) error       { a.nacks++; return nil }

func newTestWorker(t *testing.T) (*Worker, *fakeInstances, *jobstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := jobstore.NewStore(mr.Addr(), 600*time.Second, 300*time.Second)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	inst := newFakeInstances(cfg)
	w := New(cfg, store, inst)
	w.probe = func(_ context.Context, _ string) bool { return true }
	return w, inst, store
}

func delivery(t *testing.T, payload queue.JobPayload, acker *fakeAcker) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}
}

func terminalEvents(events []jobstore.Event) []jobstore.Event {
	var out []jobstore.Event
	for _, ev := range events {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func TestProcessHappyPath(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}

	require.NoError(t, store.Init(ctx, "job-1"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-1", Name: "alice", Version: "1.123.20", Location: "vinhedo"}, acker))

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, []string{"alice:1.123.20"}, inst.created)

	state, err := store.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateComplete, state)

	events, err := store.Since(ctx, "job-1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "Downloading image and creating container…", events[0].Message)

	terminal := terminalEvents(events)
	require.Len(t, terminal, 1)
	last := events[len(events)-1]
	assert.Equal(t, terminal[0], last)
	assert.Equal(t, "complete", last.Status)
	assert.Equal(t, "alice", last.InstanceID)
	assert.Equal(t, "http://alice.n8n.example.com.br", last.URL)
	assert.Equal(t, "vinhedo", last.Location)
	assert.Equal(t, "running", last.ContainerStatus)
}

func TestProcessDefaultsVersionAndLocation(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}

	require.NoError(t, store.Init(ctx, "job-2"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-2", Name: "bob"}, acker))

	assert.Equal(t, []string{"bob:latest"}, inst.created)

	events, err := store.Since(ctx, "job-2", 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "vinhedo", last.Location)
}

func TestProcessDuplicateInstance(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}
	inst.existing["alice"] = true

	require.NoError(t, store.Init(ctx, "job-3"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-3", Name: "alice"}, acker))

	assert.Equal(t, 1, acker.acks)
	assert.Empty(t, inst.created)

	state, err := store.GetState(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateError, state)

	events, err := store.Since(ctx, "job-3", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Status)
	assert.Equal(t, "Instância 'alice' já existe", events[0].Message)
}

func TestProcessCreateFailureCleansUp(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}
	inst.createErr = errors.New("no space left on device")

	require.NoError(t, store.Init(ctx, "job-4"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-4", Name: "carol"}, acker))

	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, []string{"carol"}, inst.removed)

	events, err := store.Since(ctx, "job-4", 0)
	require.NoError(t, err)
	terminal := terminalEvents(events)
	require.Len(t, terminal, 1)
	assert.Contains(t, terminal[0].Message, "Failed to create container")
	assert.Contains(t, terminal[0].Message, "no space left on device")
}

func TestProcessExitedContainerReportsLogs(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}
	inst.statusSeq = []string{"exited"}
	inst.logs = "Error: bad encryption key\n"

	require.NoError(t, store.Init(ctx, "job-5"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-5", Name: "dave"}, acker))

	assert.Equal(t, 1, acker.acks)

	state, err := store.GetState(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateError, state)

	events, err := store.Since(ctx, "job-5", 0)
	require.NoError(t, err)
	terminal := terminalEvents(events)
	require.Len(t, terminal, 1)
	assert.Contains(t, terminal[0].Message, "Container stopped during startup.")
	assert.Contains(t, terminal[0].Message, "Error: bad encryption key")
}

func TestProcessReadinessTimeout(t *testing.T) {
	w, _, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}
	w.probe = func(_ context.Context, _ string) bool { return false }

	require.NoError(t, store.Init(ctx, "job-6"))
	w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-6", Name: "erin"}, acker))

	assert.Equal(t, 1, acker.acks)

	state, err := store.GetState(ctx, "job-6")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateError, state)

	events, err := store.Since(ctx, "job-6", 0)
	require.NoError(t, err)
	terminal := terminalEvents(events)
	require.Len(t, terminal, 1)
	assert.Contains(t, terminal[0].Message, "Timeout: engine did not become reachable")

	// Heartbeat events appear alongside the terminal one
	var heartbeats int
	for _, ev := range events {
		if ev.Status == "info" && len(ev.Message) > 0 && ev.Message[0] == 'W' {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 1)
}

func TestProcessPanicBecomesTerminalError(t *testing.T) {
	w, inst, store := newTestWorker(t)
	ctx := context.Background()
	acker := &fakeAcker{}
	inst.createPanic = "nil client"

	require.NoError(t, store.Init(ctx, "job-7"))
	require.NotPanics(t, func() {
		w.process(ctx, delivery(t, queue.JobPayload{JobID: "job-7", Name: "frank"}, acker))
	})

	// Still acked once, with a best-effort cleanup of the half-made container
	assert.Equal(t, 1, acker.acks)
	assert.Equal(t, []string{"frank"}, inst.removed)

	state, err := store.GetState(ctx, "job-7")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StateError, state)

	events, err := store.Since(ctx, "job-7", 0)
	require.NoError(t, err)
	terminal := terminalEvents(events)
	require.Len(t, terminal, 1)
	assert.Equal(t, terminal[0], events[len(events)-1])
	assert.Contains(t, terminal[0].Message, "Erro inesperado")
	assert.Contains(t, terminal[0].Message, "nil client")
}

func TestProcessMalformedPayloadIsDropped(t *testing.T) {
	w, inst, _ := newTestWorker(t)
	acker := &fakeAcker{}

	w.process(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("{not json")})

	assert.Equal(t, 1, acker.acks)
	assert.Zero(t, acker.nacks)
	assert.Empty(t, inst.created)
}

func TestStartStop(t *testing.T) {
	w, _, _ := newTestWorker(t)
	// No broker is listening; the loop lands in the retry sleep.
	w.cfg.RabbitMQHost = "127.0.0.1"
	w.cfg.RabbitMQPort = 1

	w.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
