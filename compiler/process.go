package compiler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// ProcessWorker runs the compiler as a child process. Messages are exchanged
// as JSON lines on stdin and stdout; stderr is captured and attached to the
// terminal event when the process dies without one.
type ProcessWorker struct {
	command []string
	dir     string
	env     []string
	logger  zerolog.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	once sync.Once
}

func NewProcessWorker(command []string, dir string, env []string, logger zerolog.Logger) *ProcessWorker {
	return &ProcessWorker{command: command, dir: dir, env: env, logger: logger}
}

func (w *ProcessWorker) Start(ctx context.Context, commands <-chan Message) (<-chan Message, error) {
	if len(w.command) == 0 {
		return nil, fmt.Errorf("no compiler command configured")
	}

	cmd := exec.CommandContext(ctx, w.command[0], w.command[1:]...)
	cmd.Dir = w.dir
	cmd.Env = append(cmd.Environ(), w.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open compiler stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open compiler stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start compiler: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	events := make(chan Message, 16)
	go w.writeCommands(ctx, stdin, commands)
	go w.readEvents(ctx, cmd, stdout, &stderr, events)

	return events, nil
}

func (w *ProcessWorker) writeCommands(ctx context.Context, stdin io.WriteCloser, commands <-chan Message) {
	defer stdin.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-commands:
			line, err := Encode(msg)
			if err != nil {
				w.logger.Error().Err(err).Msg("failed to encode compiler command")
				continue
			}
			if _, err := stdin.Write(append(line, '\n')); err != nil {
				w.logger.Debug().Err(err).Msg("compiler stdin closed")
				return
			}
		}
	}
}

func (w *ProcessWorker) readEvents(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, events chan<- Message) {
	defer close(events)

	emit := func(m Message) bool {
		select {
		case events <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var raw bytes.Buffer
	terminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := DecodeEvent(line)
		if err != nil {
			// Plain output from the compiler or its dependencies.
			raw.Write(line)
			raw.WriteByte('\n')
			if !emit(Progress{Stage: "compile", Stream: "stdout", Data: string(line)}) {
				return
			}
			continue
		}
		switch msg.(type) {
		case Errored, Done:
			terminal = true
		}
		if !emit(msg) {
			return
		}
		if terminal {
			break
		}
	}

	waitErr := cmd.Wait()
	if terminal {
		return
	}

	reason := "compiler exited without a result"
	if waitErr != nil {
		reason = fmt.Sprintf("compiler exited: %v", waitErr)
	}
	emit(Errored{Error: reason, Stdout: raw.String(), Stderr: stderr.String()})
}

func (w *ProcessWorker) Terminate() error {
	var err error
	w.once.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cmd == nil || w.cmd.Process == nil {
			return
		}
		if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
	})
	return err
}
