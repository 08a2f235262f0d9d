package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

// Message is one frame of the worker protocol. The set of implementations is
// closed: commands flow from the host to the worker, events flow back.
type Message interface {
	Kind() string
	isMessage()
}

const (
	KindCompile    = "compile"
	KindStart      = "start"
	KindRead       = "read"
	KindWrite      = "write"
	KindDiagnostic = "diagnostic"
	KindProgress   = "progress"
	KindErrored    = "errored"
	KindDone       = "done"
)

// Compile asks the worker to begin compiling entry.
type Compile struct {
	Entry   string            `json:"entry"`
	Options map[string]string `json:"options,omitempty"`
}

// ReadReply answers a ReadRequest. Nil Contents means the file is absent.
type ReadReply struct {
	ID       string `json:"id"`
	Contents []byte `json:"contents"`
}

// Start announces the compiler version once the worker is running.
type Start struct {
	Version string `json:"version"`
}

// ReadRequest asks for a file. Every request gets exactly one ReadReply.
type ReadRequest struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// Write carries an emitted output file.
type Write struct {
	Filename string `json:"filename"`
	Contents []byte `json:"contents"`
}

// Diagnostic is a non-fatal compiler message.
type Diagnostic struct {
	Category string `json:"category"`
	Code     int    `json:"code,omitempty"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// Progress reports a build stage and a chunk of its output.
type Progress struct {
	Stage  string `json:"stage"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
}

// Errored is the terminal failure event.
type Errored struct {
	Error  string `json:"error"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Done is the terminal success event.
type Done struct {
	Stats        models.BuildStats           `json:"stats"`
	Dependencies models.DependenciesManifest `json:"dependencies,omitempty"`
	Stdout       string                      `json:"stdout"`
	Stderr       string                      `json:"stderr"`
}

func (Compile) Kind() string     { return KindCompile }
func (ReadReply) Kind() string   { return KindRead }
func (Start) Kind() string       { return KindStart }
func (ReadRequest) Kind() string { return KindRead }
func (Write) Kind() string       { return KindWrite }
func (Diagnostic) Kind() string  { return KindDiagnostic }
func (Progress) Kind() string    { return KindProgress }
func (Errored) Kind() string     { return KindErrored }
func (Done) Kind() string        { return KindDone }

func (Compile) isMessage()     {}
func (ReadReply) isMessage()   {}
func (Start) isMessage()       {}
func (ReadRequest) isMessage() {}
func (Write) isMessage()       {}
func (Diagnostic) isMessage()  {}
func (Progress) isMessage()    {}
func (Errored) isMessage()     {}
func (Done) isMessage()        {}

// Encode renders m as a single JSON object with a "type" discriminator.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Kind(), err)
	}
	kind, _ := json.Marshal(m.Kind())

	out := append([]byte(`{"type":`), kind...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeEvent parses a message emitted by a worker.
func DecodeEvent(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	switch env.Type {
	case KindStart:
		return decodeAs[Start](data)
	case KindRead:
		return decodeAs[ReadRequest](data)
	case KindWrite:
		return decodeAs[Write](data)
	case KindDiagnostic:
		return decodeAs[Diagnostic](data)
	case KindProgress:
		return decodeAs[Progress](data)
	case KindErrored:
		return decodeAs[Errored](data)
	case KindDone:
		return decodeAs[Done](data)
	default:
		return nil, fmt.Errorf("unknown worker message type %q", env.Type)
	}
}

// DecodeCommand parses a message sent to a worker.
func DecodeCommand(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	switch env.Type {
	case KindCompile:
		return decodeAs[Compile](data)
	case KindRead:
		return decodeAs[ReadReply](data)
	default:
		return nil, fmt.Errorf("unknown host message type %q", env.Type)
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", m.Kind(), err)
	}
	return m, nil
}
