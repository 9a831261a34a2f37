// Package editor drives an external document editor worker over
// newline-delimited JSON-RPC on the worker's stdio.
package editor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pbaille/problembank/internal/logging"
)

// Client issues worker calls. Manager talks to a child process; Local
// answers in-process.
type Client interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

// Config describes how to launch the worker.
type Config struct {
	Command     []string `koanf:"command" yaml:"command" json:"command"`
	Env         []string `koanf:"env" yaml:"env" json:"env"`
	MaxRestarts int      `koanf:"max_restarts" yaml:"max_restarts" json:"max_restarts"`
}

// Manager supervises the editor worker. A crashed worker is started again
// on the next call after a growing delay; after MaxRestarts consecutive
// failures without a successful reply in between, the editor is reported
// unavailable until the manager is closed.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	// launch is held by the one caller starting a worker.
	launch chan struct{}

	mu       sync.Mutex
	proc     *process
	failures int
	disabled bool
	closed   bool
	restart  backoff.BackOff
}

func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 3
	}
	restart := backoff.NewExponentialBackOff()
	restart.InitialInterval = 250 * time.Millisecond
	restart.MaxInterval = 4 * time.Second
	restart.MaxElapsedTime = 0

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		launch:  make(chan struct{}, 1),
		restart: restart,
	}
}

// Start launches the worker ahead of the first call.
func (m *Manager) Start() error {
	_, err := m.worker(context.Background())
	return err
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	p := m.proc
	m.proc = nil
	m.mu.Unlock()
	if p != nil {
		p.stop()
	}
	return nil
}

// Info is the WorkerGetInfo reply.
type Info struct {
	OK     bool   `json:"ok"`
	Worker string `json:"worker"`
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	var info Info
	if err := m.Call(ctx, "WorkerGetInfo", map[string]any{}, &info); err != nil {
		return fmt.Errorf("editor worker health check failed: %w", err)
	}
	if !info.OK {
		return errors.New("editor worker health check returned not ok")
	}
	m.logger.Debug("editor.health_check_ok", "worker", info.Worker)
	return nil
}

func (m *Manager) Call(ctx context.Context, method string, params any, result any) error {
	p, err := m.worker(ctx)
	if err != nil {
		return err
	}
	raw, err := p.call(ctx, method, params)
	var remote *RemoteError
	if err == nil || errors.As(err, &remote) {
		m.replied()
	}
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		return json.Unmarshal(raw, result)
	}
	return nil
}

// worker returns the live process, starting one if needed.
func (m *Manager) worker(ctx context.Context) (*process, error) {
	select {
	case m.launch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.launch }()

	m.mu.Lock()
	switch {
	case m.closed, m.disabled:
		m.mu.Unlock()
		return nil, ErrUnavailable
	case m.proc != nil && m.proc.alive():
		p := m.proc
		m.mu.Unlock()
		return p, nil
	}
	m.proc = nil
	var wait time.Duration
	if m.failures > 0 {
		wait = m.restart.NextBackOff()
	}
	m.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p, err := startProcess(m.cfg, m.logger, m.exited)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Warn("editor.start_failed", "error", err.Error())
		m.fail()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if m.closed {
		p.stop()
		return nil, ErrUnavailable
	}
	m.proc = p
	return p, nil
}

// exited runs once per process, after its pending calls have failed.
func (m *Manager) exited(p *process, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.proc == p {
		m.proc = nil
	}
	if !errors.Is(err, io.EOF) {
		m.logger.Warn("editor.exited", "error", err.Error())
	}
	m.fail()
}

func (m *Manager) fail() {
	m.failures++
	if m.failures >= m.cfg.MaxRestarts && !m.disabled {
		m.disabled = true
		m.logger.Error("editor.disabled", "failures", m.failures)
	}
}

// replied clears the failure streak once the worker answers.
func (m *Manager) replied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures = 0
		m.restart.Reset()
	}
}
