package dispatch

import (
	"context"
	"sync"
)

// MemoryTransport executes transactions in process. It stands in for the
// execution network in tests. Replays of a transaction name are
// answered with the first outcome and never executed twice.
type MemoryTransport struct {
	mu       sync.Mutex
	hold     bool
	failure  error
	sends    int
	executed []Transaction
	outcomes map[string]error
	pending  map[string]*heldTx
}

type heldTx struct {
	tx        Transaction
	callbacks []Callbacks
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		outcomes: make(map[string]error),
		pending:  make(map[string]*heldTx),
	}
}

// Hold keeps every following transaction pending until Complete is called.
func (m *MemoryTransport) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

// FailWith makes every following transaction fail with err.
func (m *MemoryTransport) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *MemoryTransport) IsConnected() bool {
	return true
}

func (m *MemoryTransport) Send(ctx context.Context, tx Transaction, cb Callbacks) error {
	m.mu.Lock()
	m.sends++

	if outcome, done := m.outcomes[tx.Name]; done {
		m.mu.Unlock()
		go settle(cb, outcome)
		return nil
	}
	if held, waiting := m.pending[tx.Name]; waiting {
		held.callbacks = append(held.callbacks, cb)
		m.mu.Unlock()
		return nil
	}
	if m.hold {
		m.pending[tx.Name] = &heldTx{tx: tx, callbacks: []Callbacks{cb}}
		m.mu.Unlock()
		return nil
	}

	outcome := m.failure
	m.record(tx, outcome)
	m.mu.Unlock()

	go settle(cb, outcome)
	return nil
}

// Complete settles the held transaction name and every replay of it. It
// reports false when nothing by that name is held.
func (m *MemoryTransport) Complete(name string, err error) bool {
	m.mu.Lock()
	held, ok := m.pending[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, name)
	m.record(held.tx, err)
	m.mu.Unlock()

	for _, cb := range held.callbacks {
		settle(cb, err)
	}
	return true
}

func (m *MemoryTransport) record(tx Transaction, err error) {
	m.outcomes[tx.Name] = err
	if err == nil {
		m.executed = append(m.executed, tx)
	}
}

// Executed returns the distinct transactions that succeeded.
func (m *MemoryTransport) Executed() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.executed...)
}

// Pending returns the names of held transactions.
func (m *MemoryTransport) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.pending))
	for name := range m.pending {
		names = append(names, name)
	}
	return names
}

func (m *MemoryTransport) Sends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends
}

func settle(cb Callbacks, err error) {
	if err != nil {
		cb.failed(err)
		return
	}
	cb.executed()
}
