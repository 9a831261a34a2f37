package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// process is one running worker. Documents opened through it live and die
// with it: once done is closed every pending and later call fails with
// ErrUnavailable.
type process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	pending map[int]chan rpcResponse
	lastID  int

	done   chan struct{}
	once   sync.Once
	onExit func(*process, error)
}

func startProcess(cfg Config, logger *slog.Logger, onExit func(*process, error)) (*process, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("editor worker command not configured")
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &process{
		cmd:     cmd,
		logger:  logger,
		stdin:   stdin,
		pending: map[int]chan rpcResponse{},
		done:    make(chan struct{}),
		onExit:  onExit,
	}
	go p.logStderr(stderr)
	go p.read(stdout)
	logger.Debug("editor.started", "cmd", cfg.Command[0], "pid", cmd.Process.Pid)
	return p, nil
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// call sends one request and waits for its reply.
func (p *process) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ch := make(chan rpcResponse, 1)
	p.mu.Lock()
	if p.pending == nil {
		p.mu.Unlock()
		return nil, ErrUnavailable
	}
	p.lastID++
	id := p.lastID
	p.pending[id] = ch
	p.mu.Unlock()

	line, err := json.Marshal(rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		p.forget(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}
	p.writeMu.Lock()
	_, err = p.stdin.Write(append(line, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		p.forget(id)
		p.stop()
		return nil, ErrUnavailable
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, mapRPCError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

func (p *process) forget(id int) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// read routes replies to their callers until stdout closes, then reaps the
// process.
func (p *process) read(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxMessageSize)
	for sc.Scan() {
		var resp rpcResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			p.logger.Warn("editor.invalid_json", "error", err.Error())
			continue
		}
		p.mu.Lock()
		ch := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
	readErr := sc.Err()
	if readErr != nil {
		_ = p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	switch {
	case readErr != nil:
		err = readErr
	case err == nil:
		err = io.EOF
	}
	p.exit(err)
}

func (p *process) logStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			p.logger.Warn("editor.stderr", "message", line)
		}
	}
}

// exit fails every pending call and reports the exit once.
func (p *process) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.done)
		pending := p.pending
		p.pending = nil
		p.mu.Unlock()
		for _, ch := range pending {
			ch <- rpcResponse{Error: errWorkerGone}
		}
		if p.onExit != nil {
			p.onExit(p, err)
		}
	})
}

// stop closes stdin and kills the worker. read notices and calls exit.
func (p *process) stop() {
	p.writeMu.Lock()
	_ = p.stdin.Close()
	p.writeMu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
