// Package transport carries manufacturer-cluster commands between the
// bridge and the radio gateway that talks to the devices.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Message is one cluster command to or from a device.
type Message struct {
	IEEE      string `json:"ieee"`
	Endpoint  uint8  `json:"endpoint"`
	ClusterID uint16 `json:"cluster_id"`
	CommandID uint8  `json:"command_id"`
	Payload   []byte `json:"payload"`
}

func (m Message) String() string {
	return fmt.Sprintf("%s ep=%d cluster=0x%04X cmd=0x%02X len=%d", m.IEEE, m.Endpoint, m.ClusterID, m.CommandID, len(m.Payload))
}

// Transport is the link to the gateway.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	// OnMessage installs the handler for inbound messages. Handlers run on
	// the transport's read goroutine.
	OnMessage(handler func(Message))
	Close() error
}

// NormalizeIEEE uppercases an IEEE address and strips separators.
func NormalizeIEEE(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0X")
	return strings.NewReplacer(":", "", "-", "").Replace(s)
}

// Memory is an in-process transport. Sent messages are recorded and inbound
// messages are injected by the caller. It backs the "none" transport type,
// where frames only arrive through the API.
type Memory struct {
	mu      sync.Mutex
	handler func(Message)
	sent    []Message
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *Memory) OnMessage(handler func(Message)) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

// Inject delivers msg to the installed handler.
func (m *Memory) Inject(msg Message) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// Sent returns a copy of every message sent so far.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
