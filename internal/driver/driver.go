// Package driver abstracts tuner backends. An Adapter owns one hardware
// (or simulated) tuner instance: it tunes to driver-local coordinates and
// yields raw TS bytes.
package driver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bondnet/bonproxy/internal/log"
)

var (
	// ErrOpen wraps backend failures while opening a tuner.
	ErrOpen = errors.New("driver: open failed")
	// ErrChannelSet wraps backend failures while tuning.
	ErrChannelSet = errors.New("driver: channel set failed")
	// ErrNotTuned is returned by Read before the first successful tune.
	ErrNotTuned = errors.New("driver: not tuned")
)

// Space is one tuning space of a driver.
type Space struct {
	Name     string
	Channels []string // names indexed by driver-local channel number
}

// Adapter is a single open tuner instance. Implementations need not be
// safe for concurrent use; the tuner layer serializes access.
type Adapter interface {
	Path() string
	Spaces() []Space
	SetChannel(space, channel uint32) error
	SignalLevel() float32
	Read(p []byte) (int, error)
	Close() error
}

// Factory builds an adapter from an already-parsed driver URL.
type Factory func(u *url.URL) (Adapter, error)

// Registry maps URL schemes to adapter factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(scheme string, f Factory) {
	r.factories[scheme] = f
}

const (
	openAttempts = 3
	openBackoff  = 200 * time.Millisecond
)

// Open parses a driver path of the form scheme:rest and opens it through
// the registered factory, retrying transient failures with a short
// backoff. Paths without a scheme default to cmd.
func (r *Registry) Open(path string) (Adapter, error) {
	raw := path
	if !strings.Contains(raw, "://") {
		raw = "cmd://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrOpen, path, err)
	}
	f, ok := r.factories[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrOpen, u.Scheme)
	}

	logger := log.WithComponent("driver")
	var lastErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		ad, err := openShielded(f, u)
		if err == nil {
			return &shieldedAdapter{inner: ad}, nil
		}
		lastErr = err
		logger.Warn().
			Str(log.FieldDriverPath, path).
			Int("attempt", attempt).
			Err(err).
			Msg("tuner open failed")
		if attempt < openAttempts {
			time.Sleep(openBackoff)
		}
	}
	return nil, fmt.Errorf("%w: %q: %v", ErrOpen, path, lastErr)
}

// openShielded converts a panicking factory into an error.
func openShielded(f Factory, u *url.URL) (ad Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	return f(u)
}

// shieldedAdapter converts adapter panics into errors so one faulty
// backend cannot take the daemon down.
type shieldedAdapter struct {
	inner Adapter
}

func (s *shieldedAdapter) Path() string    { return s.inner.Path() }
func (s *shieldedAdapter) Spaces() []Space { return s.inner.Spaces() }

func (s *shieldedAdapter) SetChannel(space, channel uint32) (err error) {
	defer shield(&err)
	return s.inner.SetChannel(space, channel)
}

func (s *shieldedAdapter) SignalLevel() (level float32) {
	defer func() {
		if r := recover(); r != nil {
			level = 0
		}
	}()
	return s.inner.SignalLevel()
}

func (s *shieldedAdapter) Read(p []byte) (n int, err error) {
	defer shield(&err)
	return s.inner.Read(p)
}

func (s *shieldedAdapter) Close() (err error) {
	defer shield(&err)
	return s.inner.Close()
}

func shield(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("driver: backend panic: %v", r)
	}
}

// DefaultRegistry carries the built-in backends.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("cmd", newCmdAdapter)
	r.Register("sim", newSimAdapter)
	return r
}

// parseSpaces decodes a spaces query parameter of the form
// "UHF:13-62;BS:0-11" into enumerable tuning spaces.
func parseSpaces(param string) []Space {
	if param == "" {
		return nil
	}
	var out []Space
	for _, part := range strings.Split(param, ";") {
		name, span, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		loStr, hiStr, ok := strings.Cut(span, "-")
		if !ok {
			continue
		}
		var lo, hi int
		if _, err := fmt.Sscanf(loStr, "%d", &lo); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(hiStr, "%d", &hi); err != nil || hi < lo {
			continue
		}
		sp := Space{Name: name}
		for ch := lo; ch <= hi; ch++ {
			sp.Channels = append(sp.Channels, fmt.Sprintf("%s %d", name, ch))
		}
		out = append(out, sp)
	}
	return out
}
