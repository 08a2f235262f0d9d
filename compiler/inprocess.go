package compiler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// FileSystem is the view a Compiler has of the outside world. Every call is
// forwarded to the host over the message protocol.
type FileSystem interface {
	ReadFile(ctx context.Context, name string) ([]byte, bool)
	WriteFile(name string, contents []byte) error
	Report(d Diagnostic)
}

// Compiler is a compiler implementation that runs inside an InProcessWorker.
type Compiler interface {
	Version() string
	Compile(ctx context.Context, entry string, fs FileSystem) (*Result, error)
}

// Result is what a Compiler returns on success.
type Result struct {
	Stdout       string
	Stderr       string
	Dependencies models.DependenciesManifest
}

// CompileError carries the captured output of a failed compilation.
type CompileError struct {
	Message string
	Stdout  string
	Stderr  string
}

func (e *CompileError) Error() string {
	return e.Message
}

// InProcessWorker runs a Compiler on its own goroutine, isolated from the host
// by channels. A panic inside the compiler becomes an errored event.
type InProcessWorker struct {
	compiler Compiler

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

func NewInProcessWorker(c Compiler) *InProcessWorker {
	return &InProcessWorker{compiler: c}
}

func (w *InProcessWorker) Start(ctx context.Context, commands <-chan Message) (<-chan Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, ErrWorkerTerminated
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	events := make(chan Message, 16)
	fs := &bridge{
		ctx:      ctx,
		events:   events,
		replies:  make(map[string]chan []byte),
		compiles: make(chan Compile, 1),
	}

	go fs.dispatch(commands)
	go func() {
		defer close(events)
		w.run(ctx, commands, fs)
	}()

	return events, nil
}

func (w *InProcessWorker) run(ctx context.Context, commands <-chan Message, fs *bridge) {
	defer func() {
		if r := recover(); r != nil {
			fs.emit(Errored{Error: fmt.Sprintf("compiler panic: %v", r)})
		}
	}()

	var compile Compile
	select {
	case c := <-fs.compiles:
		compile = c
	case <-ctx.Done():
		return
	}

	fs.emit(Start{Version: w.compiler.Version()})

	result, err := w.compiler.Compile(ctx, compile.Entry, fs)
	if err != nil {
		errored := Errored{Error: err.Error()}
		if ce, ok := err.(*CompileError); ok {
			errored.Stdout = ce.Stdout
			errored.Stderr = ce.Stderr
		}
		fs.emit(errored)
		return
	}

	done := Done{Stats: models.BuildStats{CompilerVersion: w.compiler.Version(), Entry: compile.Entry}}
	if result != nil {
		done.Stdout = result.Stdout
		done.Stderr = result.Stderr
		done.Dependencies = result.Dependencies
	}
	fs.emit(done)
}

func (w *InProcessWorker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}

// bridge implements FileSystem on top of the protocol channels.
type bridge struct {
	ctx    context.Context
	events chan<- Message

	mu       sync.Mutex
	replies  map[string]chan []byte
	compiles chan Compile
}

// dispatch routes host commands to the waiting readers.
func (b *bridge) dispatch(commands <-chan Message) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-commands:
			switch m := msg.(type) {
			case Compile:
				select {
				case b.compiles <- m:
				default:
				}
			case ReadReply:
				b.mu.Lock()
				ch, ok := b.replies[m.ID]
				delete(b.replies, m.ID)
				b.mu.Unlock()
				if ok {
					ch <- m.Contents
				}
			}
		}
	}
}

func (b *bridge) emit(m Message) {
	select {
	case b.events <- m:
	case <-b.ctx.Done():
	}
}

func (b *bridge) ReadFile(ctx context.Context, name string) ([]byte, bool) {
	id := uuid.NewString()
	ch := make(chan []byte, 1)

	b.mu.Lock()
	b.replies[id] = ch
	b.mu.Unlock()

	b.emit(ReadRequest{ID: id, Filename: name})

	select {
	case data := <-ch:
		return data, data != nil
	case <-ctx.Done():
	case <-b.ctx.Done():
	}

	b.mu.Lock()
	delete(b.replies, id)
	b.mu.Unlock()
	return nil, false
}

func (b *bridge) WriteFile(name string, contents []byte) error {
	select {
	case b.events <- Write{Filename: name, Contents: contents}:
		return nil
	case <-b.ctx.Done():
		return ErrWorkerTerminated
	}
}

func (b *bridge) Report(d Diagnostic) {
	b.emit(d)
}
