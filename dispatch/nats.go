package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
)

// Reply is what the execution network answers to a transaction.
type Reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	ReplyExecuted = "executed"
	ReplyError    = "error"
)

// NATSTransport sends transactions as NATS requests. The message id header
// carries the transaction name so the network can drop replays.
type NATSTransport struct {
	url            string
	subject        string
	requestTimeout time.Duration
	reconnectWait  time.Duration
	logger         zerolog.Logger

	mu       sync.RWMutex
	conn     *nats.Conn
	inflight sync.WaitGroup
}

func NewNATSTransport(cfg config.DispatcherConfig, logger zerolog.Logger) *NATSTransport {
	return &NATSTransport{
		url:            cfg.URL,
		subject:        cfg.Subject,
		requestTimeout: cfg.RequestTimeout,
		reconnectWait:  cfg.ReconnectWait,
		logger:         logger,
	}
}

// Initialize connects to the network. The connection reconnects on its own
// for the life of the process.
func (t *NATSTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, err := nats.Connect(t.url,
		nats.Name("wasm-deploy"),
		nats.ReconnectWait(t.reconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("disconnected from execution network")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to execution network")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	t.conn = conn
	t.logger.Info().Str("url", t.url).Str("subject", t.subject).Msg("connected to execution network")
	return nil
}

// Stop waits for in-flight requests and drains the connection.
func (t *NATSTransport) Stop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.inflight.Wait()
	if conn != nil {
		if err := conn.Drain(); err != nil {
			t.logger.Warn().Err(err).Msg("failed to drain NATS connection")
		}
	}
}

func (t *NATSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil && t.conn.IsConnected()
}

func (t *NATSTransport) Send(ctx context.Context, tx Transaction, cb Callbacks) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	msg := nats.NewMsg(t.subject)
	msg.Header.Set(nats.MsgIdHdr, tx.Name)
	msg.Data = data

	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.requestTimeout)
		defer cancel()

		reply, err := conn.RequestMsgWithContext(rctx, msg)
		if err != nil {
			cb.failed(fmt.Errorf("transaction %s: %w", tx.Name, err))
			return
		}
		if err := parseReply(reply.Data); err != nil {
			cb.failed(fmt.Errorf("transaction %s: %w", tx.Name, err))
			return
		}
		cb.executed()
	}()
	return nil
}

func parseReply(data []byte) error {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	switch reply.Status {
	case ReplyExecuted:
		return nil
	case ReplyError:
		if reply.Error == "" {
			return errors.New("execution failed")
		}
		return errors.New(reply.Error)
	default:
		return fmt.Errorf("unexpected reply status %q", reply.Status)
	}
}
