package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xycdaimi/AIFlow/core"
	"github.com/xycdaimi/AIFlow/storage"
	"github.com/xycdaimi/AIFlow/telemetry"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*core.TaskRecord
	setErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*core.TaskRecord{}}
}

func (s *fakeStore) SetTask(_ context.Context, record *core.TaskRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	clone := *record
	s.records[record.TaskID] = &clone
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, taskID string) (*core.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[taskID]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *fakeStore) DeleteTask(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[taskID]
	delete(s.records, taskID)
	return ok, nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[taskID]
	if !ok || record.Status != core.TaskStatusPending {
		return false, nil
	}
	record.Status = core.TaskStatusProcessing
	return true, nil
}

func (s *fakeStore) HealthCheck(context.Context) error { return nil }

func (s *fakeStore) get(taskID string) (*core.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[taskID]
	if !ok {
		return nil, false
	}
	clone := *record
	return &clone, true
}

type fakeQueue struct {
	mu         sync.Mutex
	published  []*core.TaskEnvelope
	publishErr error
}

func (q *fakeQueue) Publish(_ context.Context, env *core.TaskEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, env)
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, _ core.TaskHandler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) HealthCheck(context.Context) error { return nil }

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.published)
}

func (q *fakeQueue) last() *core.TaskEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.published) == 0 {
		return nil
	}
	return q.published[len(q.published)-1]
}

type storedObject struct {
	data        []byte
	contentType string
}

type fakeObjectStore struct {
	mu        sync.Mutex
	objects   map[string]storedObject
	uploadErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string]storedObject{}}
}

func (o *fakeObjectStore) UploadBytes(_ context.Context, bucket, object string, data []byte, contentType string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploadErr != nil {
		return "", o.uploadErr
	}
	o.objects[bucket+"/"+object] = storedObject{data: data, contentType: contentType}
	return fmt.Sprintf("http://test%s%s/%s", storage.StoragePathPrefix, bucket, object), nil
}

func (o *fakeObjectStore) GetBytes(_ context.Context, bucket, object string) ([]byte, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stored, ok := o.objects[bucket+"/"+object]
	if !ok {
		return nil, "", core.ErrObjectNotFound
	}
	return stored.data, stored.contentType, nil
}

func (o *fakeObjectStore) DeleteObject(_ context.Context, bucket, object string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, bucket+"/"+object)
	return nil
}

func (o *fakeObjectStore) ParseURL(url string) (string, string, bool) {
	idx := strings.Index(url, storage.StoragePathPrefix)
	if idx < 0 {
		return "", "", false
	}
	rest := url[idx+len(storage.StoragePathPrefix):]
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

func (o *fakeObjectStore) HealthCheck(context.Context) error { return nil }

type testEnv struct {
	gateway *Gateway
	store   *fakeStore
	queue   *fakeQueue
	objects *fakeObjectStore
	config  *core.Config
}

func newTestGateway(mutate func(cfg *core.Config)) *testEnv {
	cfg := core.DefaultConfig()
	cfg.GatewayURL = "http://gateway.test"
	cfg.InternalKey = "internal-secret"
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		store:   newFakeStore(),
		queue:   &fakeQueue{},
		objects: newFakeObjectStore(),
		config:  cfg,
	}
	gw, err := New(Options{
		Configs:     core.NewConfigSource(cfg, "", nil),
		Store:       env.store,
		Queue:       env.queue,
		ObjectStore: env.objects,
		Logger:      &core.NoOpLogger{},
		Metrics:     telemetry.NewMetrics("gateway-test"),
	})
	if err != nil {
		panic(err)
	}
	env.gateway = gw
	return env
}
