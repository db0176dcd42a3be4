package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// Defaults for stdio transports.
const (
	DefaultMaxLineBytes = 4 << 20
	DefaultCloseGrace   = 5 * time.Second

	// maxStderrLine is how much of one stderr line is forwarded.
	maxStderrLine = 16 * 1024
)

// levelTrace mirrors config.LevelTrace for wire-level frame logging.
const levelTrace = slog.Level(-8)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env holds overrides layered on top of the host environment.
	// Values are never logged.
	Env map[string]string

	// WorkingDir is the subprocess working directory. Empty inherits
	// the host's.
	WorkingDir string

	// MaxLineBytes bounds a single inbound frame (default 4 MiB). A
	// longer line is fatal to the transport.
	MaxLineBytes int

	// CloseGrace is how long Close waits after closing stdin before it
	// kills the process (default 5s).
	CloseGrace time.Duration

	// OnStderr receives each line the subprocess writes to stderr. It
	// runs on the stderr reader goroutine and must not block.
	OnStderr func(line string)

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	cmd    *exec.Cmd

	writeMu sync.Mutex
	stdin   io.WriteCloser

	frames chan []byte
	closed chan struct{} // closed by Close
	exited chan struct{} // closed once the process has been reaped

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// OpenStdio spawns the subprocess and starts reading its output. The
// process lives until Close is called or it exits on its own; ctx only
// bounds the spawn.
func OpenStdio(ctx context.Context, cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Command == "" {
		return nil, &TransportError{Op: "spawn", Err: errors.New("no command configured")}
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "spawn", Err: err}
	}

	// The process must outlive the spawn context, so it is not started
	// with exec.CommandContext.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.Dir = cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
		"working_dir", cfg.WorkingDir,
	)

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("start %s: %w", cfg.Command, err)}
	}

	t := &StdioTransport{
		config: cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		frames: make(chan []byte, 64),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		t.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		t.readStderr(stderr)
	}()
	go func() {
		// Wait must not run until both pipes are drained.
		readers.Wait()
		werr := cmd.Wait()
		t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid, "status", exitStatus(werr))
		close(t.exited)
	}()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// mergeEnv layers overrides onto base in sorted key order so the child
// environment is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// readStdout turns stdout lines into frames. It owns t.frames and closes
// it on exit.
func (t *StdioTransport) readStdout(r io.Reader) {
	defer close(t.frames)

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := readLine(br, t.config.MaxLineBytes)
		if len(line) > 0 && err == nil {
			t.logger.Log(context.Background(), levelTrace, "MCP frame received", "bytes", len(line))
			select {
			case t.frames <- line:
			case <-t.closed:
				return
			}
			continue
		}
		if err == nil {
			continue // blank line
		}

		switch {
		case errors.Is(err, ErrFrameTooLarge):
			t.setErr(&TransportError{Op: "read", Err: fmt.Errorf("%w (limit %d bytes)", err, t.config.MaxLineBytes)})
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				t.logger.Debug("discarding unterminated final line", "bytes", len(line))
			}
			t.setErr(&TransportError{Op: "read", Err: io.ErrUnexpectedEOF})
		default:
			t.setErr(&TransportError{Op: "read", Err: err})
		}
		return
	}
}

// readLine returns the next line without its terminator. A line whose
// content exceeds max bytes yields ErrFrameTooLarge. On EOF the partial
// line read so far is returned together with the error.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)

		content := len(line)
		if err == nil {
			content-- // newline
		}
		if content > max {
			return nil, ErrFrameTooLarge
		}

		switch {
		case err == nil:
			line = line[:len(line)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, err
		}
	}
}

// readStderr forwards diagnostic lines until the pipe closes. Lines
// longer than maxStderrLine are cut short so the pipe keeps draining
// whatever the server writes.
func (t *StdioTransport) readStderr(r io.Reader) {
	br := bufio.NewReaderSize(r, 16*1024)
	for {
		line, dropped, err := readTruncated(br, maxStderrLine)
		if len(line) > 0 || dropped > 0 {
			text := string(line)
			if dropped > 0 {
				t.logger.Debug("MCP subprocess stderr line truncated", "kept", len(line), "dropped", dropped)
			}
			t.logger.Debug("MCP subprocess stderr", "line", text)
			if t.config.OnStderr != nil {
				t.config.OnStderr(text)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Debug("MCP subprocess stderr read ended", "error", err)
			}
			return
		}
	}
}

// readTruncated returns the next line without its terminator, keeping
// at most limit bytes. The rest of a longer line is consumed and its
// length reported as dropped.
func readTruncated(br *bufio.Reader, limit int) (line []byte, dropped int, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		keep := min(len(chunk), limit-len(line))
		line = append(line, chunk[:keep]...)
		dropped += len(chunk) - keep

		switch {
		case err == nil:
			if n := len(line); n > 0 && line[n-1] == '\r' && dropped == 0 {
				line = line[:n-1]
			}
			return line, dropped, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return line, dropped, err
		}
	}
}

// Send writes frame and its newline terminator in a single write.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return &TransportError{Op: "write", Err: errors.New("transport closed")}
	default:
	}

	t.logger.Log(ctx, levelTrace, "MCP frame sent", "bytes", len(frame))
	if _, err := t.stdin.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Frames implements [Transport].
func (t *StdioTransport) Frames() <-chan []byte { return t.frames }

// Err implements [Transport].
func (t *StdioTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *StdioTransport) setErr(err error) {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	select {
	case <-t.closed:
		// A deliberate Close is not a failure.
		return
	default:
	}
	if t.err == nil {
		t.err = err
	}
}

// Pid returns the subprocess id.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}

// Close closes stdin, waits up to CloseGrace for the process to exit,
// then kills it. It returns once the process has been reaped.
func (t *StdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		close(t.closed)
		t.errMu.Unlock()

		// Not under writeMu: a writer blocked on a full pipe must be
		// released by the close.
		t.stdin.Close()

		timer := time.NewTimer(t.config.CloseGrace)
		defer timer.Stop()
		select {
		case <-t.exited:
			return
		case <-timer.C:
		}

		t.logger.Warn("MCP subprocess did not exit after stdin closed, killing",
			"pid", t.cmd.Process.Pid,
			"grace", t.config.CloseGrace,
		)
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill subprocess: %w", kerr)
		}
		<-t.exited
	})
	return err
}

// Exited is closed once the subprocess has been reaped.
func (t *StdioTransport) Exited() <-chan struct{} { return t.exited }
