package transport

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
	"syscall"
	"time"
)

// process owns the child and its pipes. Stdout and stderr are plain os.Pipe
// pairs so reading them never races with cmd.Wait.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	lines  chan []byte
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

func startProcess(cfg Config, logger *slog.Logger) (*process, error) {
	if cfg.Command == "" {
		return nil, errors.New("transport command is required")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: outR,
		stderr: errR,
		lines:  make(chan []byte, 16),
		exited: make(chan struct{}),
	}
	go p.readLines()
	go p.drainStderr(logger)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// readLines splits stdout on newlines. Lines are delivered without the
// terminator; a trailing partial line at EOF is delivered as is.
func (p *process) readLines() {
	defer close(p.lines)
	reader := bufio.NewReaderSize(p.stdout, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if n := len(line); n > 0 {
			if line[n-1] == '\n' {
				line = line[:n-1]
			}
			p.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func (p *process) drainStderr(logger *slog.Logger) {
	defer p.stderr.Close()
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		logger.Debug("child stderr", slog.Int("pid", p.pid()), slog.String("line", scanner.Text()))
	}
}

func (p *process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *process) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// write sends one frame to the child's stdin.
func (p *process) write(frame []byte) error {
	_, err := p.stdin.Write(frame)
	return err
}

// stop asks the child to terminate, then kills it after grace. Stdout is
// closed once the child is gone so a lingering grandchild holding the pipe
// cannot keep the reader alive.
func (p *process) stop(ctx context.Context, grace time.Duration) error {
	defer p.stdout.Close()
	_ = p.stdin.Close()
	if p.hasExited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill child %d: %w", p.pid(), err)
	}
	select {
	case <-p.exited:
	case <-time.After(grace):
	}
	return nil
}

// closeAfterExit releases stdout once the child has exited and grace has
// passed, letting readLines finish even if the pipe was inherited.
func (p *process) closeAfterExit(grace time.Duration) {
	<-p.exited
	time.Sleep(grace)
	p.stdout.Close()
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
