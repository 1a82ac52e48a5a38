package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Line records exchanged with the USB gateway, one per line:
//
//	RX <ieee> <endpoint> <cluster> <command> <hex payload>
//	TX <ieee> <endpoint> <cluster> <command> <hex payload>
//
// Endpoint is decimal, cluster and command are hex with or without 0x, an
// empty payload is written as "-".
const (
	dirRX = "RX"
	dirTX = "TX"
)

// ParseLine decodes one record. Only the direction prefix is checked by the
// caller.
func ParseLine(line string) (dir string, msg Message, err error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return "", Message{}, fmt.Errorf("want 6 fields, got %d", len(fields))
	}
	dir = strings.ToUpper(fields[0])
	if dir != dirRX && dir != dirTX {
		return "", Message{}, fmt.Errorf("unknown direction %q", fields[0])
	}
	ep, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return "", Message{}, fmt.Errorf("endpoint: %w", err)
	}
	cluster, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[3]), "0x"), 16, 16)
	if err != nil {
		return "", Message{}, fmt.Errorf("cluster: %w", err)
	}
	cmd, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(fields[4]), "0x"), 16, 8)
	if err != nil {
		return "", Message{}, fmt.Errorf("command: %w", err)
	}
	var payload []byte
	if fields[5] != "-" {
		payload, err = hex.DecodeString(fields[5])
		if err != nil {
			return "", Message{}, fmt.Errorf("payload: %w", err)
		}
	}
	return dir, Message{
		IEEE:      NormalizeIEEE(fields[1]),
		Endpoint:  uint8(ep),
		ClusterID: uint16(cluster),
		CommandID: uint8(cmd),
		Payload:   payload,
	}, nil
}

// FormatLine encodes one record including the trailing newline.
func FormatLine(dir string, msg Message) string {
	payload := "-"
	if len(msg.Payload) > 0 {
		payload = hex.EncodeToString(msg.Payload)
	}
	return fmt.Sprintf("%s %s %d %04x %02x %s\n", dir, msg.IEEE, msg.Endpoint, msg.ClusterID, msg.CommandID, payload)
}

// SerialTransport speaks the line protocol over a serial port.
type SerialTransport struct {
	rw     io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handler   func(Message)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens the gateway port and starts reading.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial transport: open %s: %w", portName, err)
	}
	// USB CDC ACM gateways wait for DTR before talking.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	return newStreamTransport(port, logger), nil
}

func newStreamTransport(rw io.ReadWriteCloser, logger *slog.Logger) *SerialTransport {
	t := &SerialTransport{
		rw:     rw,
		reader: bufio.NewReader(rw),
		logger: logger.With("component", "transport"),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

func (t *SerialTransport) OnMessage(handler func(Message)) {
	t.handlerMu.Lock()
	t.handler = handler
	t.handlerMu.Unlock()
}

func (t *SerialTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	line := FormatLine(dirTX, msg)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := io.WriteString(t.rw, line); err != nil {
		return fmt.Errorf("serial transport: write: %w", err)
	}
	t.logger.Debug("tx", "msg", msg)
	return nil
}

func (t *SerialTransport) readLoop() {
	defer t.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		line, err := t.reader.ReadString('\n')
		if err != nil && line == "" {
			select {
			case <-t.done:
				return
			default:
			}
			if err == io.EOF {
				t.logger.Warn("gateway closed the stream")
				return
			}
			t.logger.Error("serial read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-t.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dir, msg, perr := ParseLine(line)
		if perr != nil {
			t.logger.Warn("skipping malformed line", "line", line, "err", perr)
			continue
		}
		if dir != dirRX {
			t.logger.Debug("ignoring echoed line", "line", line)
			continue
		}
		t.logger.Debug("rx", "msg", msg)

		t.handlerMu.RLock()
		h := t.handler
		t.handlerMu.RUnlock()
		if h != nil {
			h(msg)
		}
	}
}

// Close stops the read loop and closes the port.
func (t *SerialTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.rw.Close()
	})
	t.wg.Wait()
	return err
}
