// Package forwarder implements the worker runtime: it advertises the
// task types its adapters support, accepts one task at a time, runs the
// model call, and posts exactly one result to the caller-supplied
// callback URL.
package forwarder

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xycdaimi/AIFlow/core"
)

// AdapterDescriptor is one YAML file in the adapters directory. It binds
// a task type to a driver and an optional default endpoint; the task's
// model_spec.endpoint overrides the default.
type AdapterDescriptor struct {
	Name     string                 `yaml:"name"`
	TaskType string                 `yaml:"task_type"`
	Driver   string                 `yaml:"driver"`
	Endpoint string                 `yaml:"endpoint,omitempty"`
	Defaults map[string]interface{} `yaml:"defaults,omitempty"`
}

func (d *AdapterDescriptor) validate() error {
	if d.TaskType == "" {
		return fmt.Errorf("task_type is required: %w", core.ErrInvalidConfiguration)
	}
	if d.Driver == "" {
		return fmt.Errorf("driver is required: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// Adapter is a descriptor bound to its driver.
type Adapter struct {
	Descriptor AdapterDescriptor
	Driver     Driver
}

// AdapterRegistry maps task types to adapters.
type AdapterRegistry struct {
	adapters map[string]*Adapter
	logger   core.Logger
}

// LoadAdapters reads every *.yaml / *.yml descriptor in dir and binds
// it to a builtin driver. An empty or missing directory yields an empty
// registry; a worker with no adapters accepts nothing.
func LoadAdapters(dir string, drivers map[string]Driver, logger core.Logger) (*AdapterRegistry, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	reg := &AdapterRegistry{adapters: map[string]*Adapter{}, logger: logger}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Adapters directory missing, no task types supported", map[string]interface{}{
				"dir": dir,
			})
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read adapters dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read adapter %s: %w", path, err)
		}

		var desc AdapterDescriptor
		if err := yaml.Unmarshal(data, &desc); err != nil {
			return nil, fmt.Errorf("failed to parse adapter %s: %w", path, err)
		}
		if desc.Name == "" {
			desc.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if err := desc.validate(); err != nil {
			return nil, fmt.Errorf("invalid adapter %s: %w", path, err)
		}

		driver, ok := drivers[desc.Driver]
		if !ok {
			return nil, fmt.Errorf("adapter %s names unknown driver %q: %w", path, desc.Driver, core.ErrAdapterNotFound)
		}
		reg.adapters[desc.TaskType] = &Adapter{Descriptor: desc, Driver: driver}
		logger.Info("Adapter loaded", map[string]interface{}{
			"name":      desc.Name,
			"task_type": desc.TaskType,
			"driver":    desc.Driver,
		})
	}
	return reg, nil
}

// Lookup returns the adapter for a task type.
func (r *AdapterRegistry) Lookup(taskType string) (*Adapter, bool) {
	a, ok := r.adapters[taskType]
	return a, ok
}

// TaskTypes returns the supported task types, sorted.
func (r *AdapterRegistry) TaskTypes() []string {
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
