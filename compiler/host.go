// Package compiler runs compilations inside isolated workers and speaks the
// worker message protocol on behalf of the build orchestrator.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

var ErrWorkerTerminated = errors.New("compiler worker terminated")

// Worker is an isolated compiler execution context. Start launches it with
// the channel of host commands and returns the channel of events, which the
// worker closes when it exits. Terminate stops the worker.
type Worker interface {
	Start(ctx context.Context, commands <-chan Message) (<-chan Message, error)
	Terminate() error
}

// ResolveFunc returns the contents of a file requested by the compiler, or
// false when it cannot be found. It must return once ctx is done: the host
// stops waiting at the read deadline, and a resolver that ignores ctx keeps
// its goroutine alive until the call itself returns.
type ResolveFunc func(ctx context.Context, filename string) ([]byte, bool)

type Options struct {
	ReadTimeout    time.Duration
	CompileTimeout time.Duration
}

type Host struct {
	readTimeout    time.Duration
	compileTimeout time.Duration
	logger         zerolog.Logger
}

func NewHost(opts Options, logger zerolog.Logger) *Host {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.CompileTimeout <= 0 {
		opts.CompileTimeout = 5 * time.Minute
	}
	return &Host{
		readTimeout:    opts.ReadTimeout,
		compileTimeout: opts.CompileTimeout,
		logger:         logger,
	}
}

// Outcome is everything a compilation produced.
type Outcome struct {
	Success      bool
	Error        string
	Stdout       string
	Stderr       string
	Wasm         []byte
	Wat          string
	Dts          string
	Stats        models.BuildStats
	Dependencies models.DependenciesManifest
	Diagnostics  []Diagnostic
	Ignored      []string
}

// ArtifactKind classifies an emitted file by its name.
type ArtifactKind int

const (
	ArtifactIgnored ArtifactKind = iota
	ArtifactWasm
	ArtifactWat
	ArtifactDts
)

func ClassifyArtifact(filename string) ArtifactKind {
	switch {
	case strings.HasSuffix(filename, ".d.ts"):
		return ArtifactDts
	case strings.HasSuffix(filename, ".wasm"):
		return ArtifactWasm
	case strings.HasSuffix(filename, ".wat"):
		return ArtifactWat
	default:
		return ArtifactIgnored
	}
}

// Run drives one compilation on worker until it reports a terminal event,
// exits, or the compile timeout elapses. The worker is terminated exactly
// once before Run returns, whatever the outcome.
func (h *Host) Run(ctx context.Context, worker Worker, compile Compile, resolve ResolveFunc, onProgress func(Progress)) *Outcome {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.compileTimeout)

	out := &Outcome{Dependencies: models.DependenciesManifest{}}
	out.Stats.Entry = compile.Entry

	var (
		reads     sync.WaitGroup
		filesRead int64
		missing   int64
		once      sync.Once
	)
	terminate := func() {
		once.Do(func() {
			if err := worker.Terminate(); err != nil {
				h.logger.Warn().Err(err).Msg("failed to terminate compiler worker")
			}
		})
	}
	defer func() {
		terminate()
		cancel()
		reads.Wait()
		out.Stats.FilesRead = int(atomic.LoadInt64(&filesRead))
		out.Stats.FilesMissing = int(atomic.LoadInt64(&missing))
		out.Stats.Diagnostics = len(out.Diagnostics)
		out.Stats.Duration = time.Since(started)
	}()

	commands := make(chan Message, 16)
	events, err := worker.Start(ctx, commands)
	if err != nil {
		out.Error = fmt.Sprintf("failed to start compiler worker: %v", err)
		return out
	}

	send := func(m Message) bool {
		select {
		case commands <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}
	pending := newPendingReads()

	if !send(compile) {
		out.Error = "compilation timed out before it started"
		return out
	}

	for {
		select {
		case <-ctx.Done():
			out.Error = "compilation timed out"
			if errors.Is(ctx.Err(), context.Canceled) {
				out.Error = "compilation canceled"
			}
			return out

		case msg, ok := <-events:
			if !ok {
				out.Error = ErrWorkerTerminated.Error() + " without a result"
				return out
			}

			switch m := msg.(type) {
			case Start:
				out.Stats.CompilerVersion = m.Version
				h.logger.Debug().Str("version", m.Version).Msg("compiler started")

			case ReadRequest:
				if !pending.open(m.ID) {
					h.logger.Warn().Str("id", m.ID).Msg("duplicate read request ignored")
					continue
				}
				reads.Add(1)
				go func() {
					defer reads.Done()
					contents := h.answer(ctx, m, resolve)
					if contents == nil {
						atomic.AddInt64(&missing, 1)
					} else {
						atomic.AddInt64(&filesRead, 1)
					}
					if pending.close(m.ID) {
						send(ReadReply{ID: m.ID, Contents: contents})
					}
				}()

			case Write:
				out.Stats.FilesWritten++
				switch ClassifyArtifact(m.Filename) {
				case ArtifactWasm:
					out.Wasm = m.Contents
				case ArtifactWat:
					out.Wat = string(m.Contents)
				case ArtifactDts:
					out.Dts = string(m.Contents)
				default:
					out.Ignored = append(out.Ignored, m.Filename)
				}

			case Diagnostic:
				out.Diagnostics = append(out.Diagnostics, m)
				h.logger.Debug().Str("category", m.Category).Str("file", m.File).Msg(m.Message)

			case Progress:
				h.logger.Debug().Str("stage", m.Stage).Str("stream", m.Stream).Msg("compiler progress")
				if onProgress != nil {
					onProgress(m)
				}

			case Errored:
				out.Error = m.Error
				out.Stdout = m.Stdout
				out.Stderr = m.Stderr
				return out

			case Done:
				out.Success = true
				out.Stdout = m.Stdout
				out.Stderr = m.Stderr
				out.Dependencies.Merge(m.Dependencies)
				if m.Stats.CompilerVersion != "" {
					out.Stats.CompilerVersion = m.Stats.CompilerVersion
				}
				return out

			default:
				h.logger.Warn().Str("type", msg.Kind()).Msg("unexpected message from compiler worker")
			}
		}
	}
}

// answer resolves one read, giving up after the read timeout so a slow
// resolver can never stall the compiler. A nil result means absent.
func (h *Host) answer(ctx context.Context, req ReadRequest, resolve ResolveFunc) []byte {
	if resolve == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, h.readTimeout)
	defer cancel()

	result := make(chan []byte, 1)
	go func() {
		data, ok := resolve(rctx, req.Filename)
		if !ok {
			result <- nil
			return
		}
		if data == nil {
			data = []byte{}
		}
		result <- data
	}()

	select {
	case data := <-result:
		return data
	case <-rctx.Done():
		h.logger.Warn().Str("filename", req.Filename).Dur("timeout", h.readTimeout).
			Msg("read not answered in time, treating file as absent")
		return nil
	}
}

// pendingReads tracks read ids awaiting a reply so each gets exactly one.
type pendingReads struct {
	mu  sync.Mutex
	ids map[string]bool
}

func newPendingReads() *pendingReads {
	return &pendingReads{ids: make(map[string]bool)}
}

func (p *pendingReads) open(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ids[id] {
		return false
	}
	p.ids[id] = true
	return true
}

func (p *pendingReads) close(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ids[id] {
		return false
	}
	delete(p.ids, id)
	return true
}
