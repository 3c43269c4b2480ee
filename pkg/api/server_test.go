package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/viniciusdev772/n8n-manager/pkg/config"
	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/jobstore"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/queue"
	"github.com/viniciusdev772/n8n-manager/pkg/runtime"
)

const testToken = "secret-token"

func init() {
	gin.SetMode(gin.TestMode)
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
}

func testServerConfig() *config.Config {
	return &config.Config{
		APIAuthToken:        testToken,
		AllowedOrigins:      []string{"*"},
		BaseDomain:          "n8n.example.com.br",
		TraefikCertResolver: "letsencrypt",
		SSLEnabled:          true,
		DefaultTimezone:     "America/Sao_Paulo",
		CleanupMaxAgeDays:   5,
		SSEMaxDuration:      5 * time.Second,
	}
}

func notFound(op string) error {
	return &runtime.Error{Kind: runtime.KindNotFound, Op: op, Err: errors.New("no such container")}
}

// fakeInstances is an in-memory stand-in for the instance manager.
type fakeInstances struct {
	proj       *instance.Projection
	containers map[string]*runtime.Container
	views      []instance.View
	report     *instance.CapacityReport
	removed    []string
	restarted  []string
}

func newFakeInstances(cfg *config.Config) *fakeInstances {
	return &fakeInstances{
		proj:       instance.NewProjection(cfg),
		containers: map[string]*runtime.Container{},
		report:     &instance.CapacityReport{MaxInstances: 8, ActiveInstances: 1, CanCreate: true},
	}
}

func (f *fakeInstances) List(_ context.Context) ([]instance.View, error) {
	return f.views, nil
}

func (f *fakeInstances) Capacity(_ context.Context) (*instance.CapacityReport, error) {
	return f.report, nil
}

func (f *fakeInstances) Exists(_ context.Context, name string) (bool, error) {
	_, ok := f.containers[name]
	return ok, nil
}

func (f *fakeInstances) Get(_ context.Context, name string) (*runtime.Container, error) {
	if c, ok := f.containers[name]; ok {
		return c, nil
	}
	return nil, notFound("inspect " + name)
}

func (f *fakeInstances) Create(_ context.Context, name, version, key, createdAt string) (*runtime.Container, error) {
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	c := &runtime.Container{
		ID:     "id-engine-" + name,
		Name:   "engine-" + name,
		Image:  config.EngineImage + ":" + version,
		Status: "running",
		Env:    map[string]string{instance.EncryptionKeyEnv: key},
		Labels: map[string]string{instance.LabelCreatedAt: createdAt},
	}
	f.containers[name] = c
	return c, nil
}

func (f *fakeInstances) Remove(_ context.Context, name string) error {
	if _, ok := f.containers[name]; !ok {
		return notFound("remove " + name)
	}
	delete(f.containers, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeInstances) Rebuild(_ context.Context, name, version string) (*runtime.Container, error) {
	c, ok := f.containers[name]
	if !ok {
		return nil, notFound("inspect " + name)
	}
	c.Image = config.EngineImage + ":" + version
	return c, nil
}

func (f *fakeInstances) Reset(ctx context.Context, name, version string) (*runtime.Container, string, error) {
	delete(f.containers, name)
	key := instance.GenerateEncryptionKey()
	c, err := f.Create(ctx, name, version, key, "")
	return c, key, err
}

func (f *fakeInstances) Restart(_ context.Context, name string) error {
	if _, ok := f.containers[name]; !ok {
		return notFound("restart " + name)
	}
	f.restarted = append(f.restarted, name)
	return nil
}

func (f *fakeInstances) Status(_ context.Context, name string) (*instance.StatusView, error) {
	c, ok := f.containers[name]
	if !ok {
		return nil, notFound("inspect " + name)
	}
	return &instance.StatusView{
		Name: name, Status: c.Status, StartedAt: "2026-08-26T10:00:00Z",
		MemUsageMB: 128.04, MemLimitMB: 384,
	}, nil
}

func (f *fakeInstances) Logs(_ context.Context, name string, _ int) (string, error) {
	if _, ok := f.containers[name]; !ok {
		return "", notFound("logs " + name)
	}
	return "Editor is now accessible\n", nil
}

func (f *fakeInstances) Projection() *instance.Projection {
	return f.proj
}

type fakePublisher struct {
	mu        sync.Mutex
	published []queue.JobPayload
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, payload queue.JobPayload) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.published = append(p.published, payload)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) payloads() []queue.JobPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.JobPayload(nil), p.published...)
}

type fakePinger struct{ err error }

func (p *fakePinger) Info(_ context.Context) (runtime.HostInfo, error) {
	return runtime.HostInfo{TotalRAMBytes: 4 << 30, CPUCount: 2}, p.err
}

type testEnv struct {
	server *Server
	inst   *fakeInstances
	pub    *fakePublisher
	pinger *fakePinger
	store  *jobstore.Store
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store := jobstore.NewStore(mr.Addr(), 600*time.Second, 300*time.Second)
	t.Cleanup(func() { _ = store.Close() })

	cfg := testServerConfig()
	inst := newFakeInstances(cfg)
	pub := &fakePublisher{}
	pinger := &fakePinger{}
	return &testEnv{
		server: NewServer(cfg, inst, store, pub, pinger),
		inst:   inst,
		pub:    pub,
		pinger: pinger,
		store:  store,
		mr:     mr,
	}
}

// do performs a request against the router with the standard auth header.
func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	return e.doWithToken(method, path, body, testToken)
}

func (e *testEnv) doWithToken(method, path string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.server.engine.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
