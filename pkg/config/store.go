// Package config is the property store channels read their tunables from:
// typed values addressed by dotted hierarchical keys, optionally loaded
// from a TOML file whose tables map onto key segments.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	KeyServerWindow    = "broker.window.server"
	KeyMaxWindow       = "broker.window.max"
	KeyAckBufSize      = "broker.ackbuf.size"
	KeySchedBurst      = "broker.sched.burst"
	KeyWheelSize       = "broker.wheel.size"
	KeyWheelGranule    = "broker.wheel.granularity"
	KeyQueueLengthCap  = "queue.length.cap"
	KeyQueueBytesCap   = "queue.bytes.cap"
	KeySocksetAgeout   = "sockset.ageout"
	KeySocksetOutbox   = "sockset.outbox"
	KeyGCTick          = "gc.tick"
	KeyPeerDialTimeout = "peer.dial.timeout"
)

// Defaults returns the value every key takes when nothing overrides it.
func Defaults() map[string]any {
	return map[string]any{
		KeyServerWindow:    64,
		KeyMaxWindow:       256,
		KeyAckBufSize:      16,
		KeySchedBurst:      8,
		KeyWheelSize:       1024,
		KeyWheelGranule:    10 * time.Millisecond,
		KeyQueueLengthCap:  1024,
		KeyQueueBytesCap:   16 << 20,
		KeySocksetAgeout:   5 * time.Minute,
		KeySocksetOutbox:   256,
		KeyGCTick:          10 * time.Millisecond,
		KeyPeerDialTimeout: 10 * time.Second,
	}
}

var ErrWrongType = errors.New("config: value has the wrong type")

// Store is safe for concurrent use.
type Store struct {
	lk     sync.RWMutex
	values map[string]any
}

// New returns a store holding the [Defaults].
func New() *Store {
	return &Store{values: Defaults()}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read toml config file: %w", err)
	}
	s := New()
	if err := s.Decode(string(data)); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode merges a TOML document into the store.
func (s *Store) Decode(doc string) error {
	var tree map[string]any
	if _, err := toml.Decode(doc, &tree); err != nil {
		return fmt.Errorf("failed to decode toml config: %w", err)
	}
	flat := make(map[string]any)
	flatten("", tree, flat)

	s.lk.Lock()
	defer s.lk.Unlock()
	maps.Copy(s.values, flat)
	return nil
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

func (s *Store) Set(key string, val any) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.values[key] = val
}

func (s *Store) Get(key string) (any, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Keys lists the keys under prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.lk.RLock()
	defer s.lk.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Int returns def when the key is unset, and an error when it holds
// something which is not an integer.
func (s *Store) Int(key string, def int) (int, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint32:
		return int(n), nil
	default:
		return def, fmt.Errorf("%w: %s is %T, want an integer", ErrWrongType, key, v)
	}
}

// Duration accepts a [time.Duration], a string parsed by
// [time.ParseDuration] or an integer number of milliseconds.
func (s *Store) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return def, fmt.Errorf("%w: %s: %w", ErrWrongType, key, err)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	case int64:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return def, fmt.Errorf("%w: %s is %T, want a duration", ErrWrongType, key, v)
	}
}

func (s *Store) String(key string, def string) (string, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return def, fmt.Errorf("%w: %s is %T, want a string", ErrWrongType, key, v)
	}
	return str, nil
}

func (s *Store) Bool(key string, def bool) (bool, error) {
	v, ok := s.Get(key)
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return def, fmt.Errorf("%w: %s is %T, want a bool", ErrWrongType, key, v)
	}
	return b, nil
}
