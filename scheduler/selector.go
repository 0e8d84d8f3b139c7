package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xycdaimi/AIFlow/core"
)

// candidate is one probed worker with its live load view.
type candidate struct {
	info   *core.ServiceInfo
	status core.WorkerStatus
}

// Selector picks a worker for a task type: discover registered workers,
// probe capability and load concurrently, and prefer idle instances
// over merely low-load ones.
type Selector struct {
	discovery core.Discovery
	client    *http.Client
	logger    core.Logger
}

// NewSelector creates a selector over the given discovery source.
func NewSelector(discovery core.Discovery, client *http.Client, logger core.Logger) *Selector {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Selector{discovery: discovery, client: client, logger: logger}
}

// Select returns the best worker for the task type or
// core.ErrNoWorkerAvailable.
func (s *Selector) Select(ctx context.Context, taskType string, probeTimeout time.Duration, maxPending int) (*core.ServiceInfo, error) {
	services, err := s.discovery.Discover(ctx, WorkerServiceName)
	if err != nil {
		return nil, fmt.Errorf("worker discovery failed: %w", err)
	}
	if len(services) == 0 {
		return nil, core.ErrNoWorkerAvailable
	}

	candidates := s.probeAll(ctx, services, taskType, probeTimeout)
	if len(candidates) == 0 {
		return nil, core.ErrNoWorkerAvailable
	}

	var idle, lowLoad []candidate
	for _, c := range candidates {
		switch {
		case !c.status.Busy:
			idle = append(idle, c)
		case c.status.PendingTasksCount <= maxPending:
			lowLoad = append(lowLoad, c)
		}
	}

	pool := idle
	if len(pool) == 0 {
		pool = lowLoad
	}
	if len(pool) == 0 {
		return nil, core.ErrNoWorkerAvailable
	}

	best := pool[0]
	for _, c := range pool[1:] {
		if c.status.PendingTasksCount < best.status.PendingTasksCount {
			best = c
		}
	}
	return best.info, nil
}

// probeAll queries capability and load for every service concurrently;
// the two probes of each worker also run in parallel. Workers that fail
// either probe or lack the capability are dropped.
func (s *Selector) probeAll(ctx context.Context, services []*core.ServiceInfo, taskType string, probeTimeout time.Duration) []candidate {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []candidate
	)

	for _, svc := range services {
		wg.Add(1)
		go func(svc *core.ServiceInfo) {
			defer wg.Done()

			var (
				supported    []string
				status       core.WorkerStatus
				supportedErr error
				statusErr    error
				probes       sync.WaitGroup
			)
			probes.Add(2)
			go func() {
				defer probes.Done()
				supported, supportedErr = s.probeSupported(ctx, svc, probeTimeout)
			}()
			go func() {
				defer probes.Done()
				status, statusErr = s.probeStatus(ctx, svc, probeTimeout)
			}()
			probes.Wait()

			if supportedErr != nil {
				s.logger.Debug("Capability probe failed", map[string]interface{}{
					"worker": svc.ID,
					"error":  supportedErr.Error(),
				})
				return
			}
			if !contains(supported, taskType) {
				return
			}
			if statusErr != nil {
				s.logger.Debug("Status probe failed", map[string]interface{}{
					"worker": svc.ID,
					"error":  statusErr.Error(),
				})
				return
			}

			mu.Lock()
			out = append(out, candidate{info: svc, status: status})
			mu.Unlock()
		}(svc)
	}
	wg.Wait()
	return out
}

func (s *Selector) probeSupported(ctx context.Context, svc *core.ServiceInfo, timeout time.Duration) ([]string, error) {
	var body struct {
		SupportedTasks []string `json:"supported_tasks"`
	}
	if err := s.getJSON(ctx, svc.BaseURL()+"/api/v1/supported-tasks", timeout, &body); err != nil {
		return nil, err
	}
	return body.SupportedTasks, nil
}

func (s *Selector) probeStatus(ctx context.Context, svc *core.ServiceInfo, timeout time.Duration) (core.WorkerStatus, error) {
	var status core.WorkerStatus
	err := s.getJSON(ctx, svc.BaseURL()+"/status", timeout, &status)
	return status, err
}

func (s *Selector) getJSON(ctx context.Context, url string, timeout time.Duration, into interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", url, core.ErrRequestFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s returned %d: %w", url, resp.StatusCode, core.ErrRequestFailed)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
