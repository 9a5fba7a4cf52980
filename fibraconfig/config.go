// Package fibraconfig is the YAML-backed configuration facade spec §6
// describes as an external collaborator: config.lookup<T>(key, default,
// listener). It is grounded on the teacher's own go.mod dependency on
// gopkg.in/yaml.v3 and on the shape e7canasta-orion-care-sensor's
// internal/config/config.go uses for a daemon's YAML config file (a
// struct with yaml tags, loaded via yaml.Unmarshal) -- generalized here
// into a typed key/value facade with change notification, since fibra's
// two recognized keys (fiber.stack_size, tcp.connect.timeout) are
// consumed by code that has no static struct to bind to (the hook layer
// and Fiber construction are both outside this package).
package fibraconfig

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Values is the on-disk shape: a flat map of recognized keys plus
// whatever else a host daemon wants to carry alongside them. fibra only
// reads FiberStackSize and TCPConnectTimeoutMs; additional keys are
// preserved in Extra for a host application to consume.
type Values struct {
	FiberStackSize     *int            `yaml:"fiber.stack_size,omitempty"`
	TCPConnectTimeoutMs *int           `yaml:"tcp.connect.timeout,omitempty"`
	Extra              map[string]any  `yaml:",inline"`
}

// DefaultFiberStackSize and DefaultTCPConnectTimeoutMs are spec §6's
// documented defaults.
const (
	DefaultFiberStackSize      = 131072
	DefaultTCPConnectTimeoutMs = 5000
)

type listener struct {
	fn func(any)
}

// Config is a typed Lookup[T]/OnChange facade over a YAML-loaded Values,
// matching spec §6's config.lookup<T>(key, default, listener). Safe for
// concurrent use: Set (called when a host reloads its config file) holds
// a write lock and fires listeners outside it, the same ordering
// IoManager's AddEvent/fireSlot split uses for its own handlers.
type Config struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners map[string][]listener
}

// New builds an empty Config. Use Load to populate it from a YAML file,
// or Set to populate it programmatically (e.g. from flags or env).
func New() *Config {
	return &Config{
		values:    make(map[string]any),
		listeners: make(map[string][]listener),
	}
}

// Load reads path as YAML and seeds the config's recognized keys (and any
// Extra keys) from it. Missing recognized keys simply fall back to their
// documented defaults at Lookup time -- Load does not require every key
// to be present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fibraconfig: read %s: %w", path, err)
	}

	var v Values
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("fibraconfig: parse %s: %w", path, err)
	}

	c := New()
	if v.FiberStackSize != nil {
		c.values["fiber.stack_size"] = *v.FiberStackSize
	}
	if v.TCPConnectTimeoutMs != nil {
		c.values["tcp.connect.timeout"] = *v.TCPConnectTimeoutMs
	}
	for k, val := range v.Extra {
		c.values[k] = val
	}
	return c, nil
}

// Lookup returns the typed value stored at key, or def if key was never
// set or has the wrong type. It never errors -- spec §6's lookup is a
// best-effort read with a default, not a fallible one.
func Lookup[T any](c *Config, key string, def T) T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	raw, ok := c.values[key]
	if !ok {
		return def
	}
	v, ok := raw.(T)
	if !ok {
		return def
	}
	return v
}

// OnChange subscribes fn to future Set(key, ...) calls. fn is not called
// with the current value; call Lookup first if the caller needs the
// value at subscription time. Neither IoManager nor fibrahook reads a
// Config; the host does the wiring (cmd/fibrademo looks up
// tcp.connect.timeout, passes it to Hooks.SetConnectTimeoutMs and
// subscribes to its changes, and looks up fiber.stack_size once).
func (c *Config) OnChange(key string, fn func(any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[key] = append(c.listeners[key], listener{fn: fn})
}

// Set updates key's value and fires every OnChange listener registered
// for it, outside the lock.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	fns := append([]listener(nil), c.listeners[key]...)
	c.mu.Unlock()

	for _, l := range fns {
		l.fn(value)
	}
}
