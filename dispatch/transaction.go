// Package dispatch ships compiled modules to the execution network as
// named, idempotent transactions and applies their outcome to the store.
package dispatch

import (
	"context"
	"errors"
)

var ErrNotConnected = errors.New("dispatcher is not connected")

type Command string

const (
	DeployInstance     Command = "deploy_instance"
	CloneInstance      Command = "clone_instance"
	DeactivateInstance Command = "deactivate_instance"
)

// Transaction is one named command for the execution network. The name is
// derived from the deployment id, so resending it is safe.
type Transaction struct {
	Name     string  `json:"name"`
	Contract string  `json:"contract"`
	Command  Command `json:"command"`
	Payload  any     `json:"payload"`
}

type DeployPayload struct {
	AppID        string `json:"app_id"`
	FQDN         string `json:"fqdn"`
	WasmBytesB64 string `json:"wasm_bytes_b64"`
}

type ClonePayload struct {
	AppID      string `json:"app_id"`
	FQDN       string `json:"fqdn"`
	SourceFQDN string `json:"source_fqdn"`
}

type DeactivatePayload struct {
	AppID string `json:"app_id"`
	FQDN  string `json:"fqdn"`
}

// Callbacks receive the outcome of a transaction. Exactly one of them is
// invoked, possibly on another goroutine.
type Callbacks struct {
	OnExecuted func()
	OnError    func(err error)
}

func (c Callbacks) executed() {
	if c.OnExecuted != nil {
		c.OnExecuted()
	}
}

func (c Callbacks) failed(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// Transport delivers transactions to the execution network.
type Transport interface {
	Send(ctx context.Context, tx Transaction, cb Callbacks) error
	IsConnected() bool
}

// TransactionName is the deterministic name of command for deploymentID.
func TransactionName(command Command, deploymentID string) string {
	switch command {
	case DeployInstance:
		return "deploy-" + deploymentID
	case CloneInstance:
		return "clone-" + deploymentID
	case DeactivateInstance:
		return "terminate-" + deploymentID
	default:
		return string(command) + "-" + deploymentID
	}
}
