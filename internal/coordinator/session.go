package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tuya-dp-bridge/internal/adapter"
	"tuya-dp-bridge/internal/engine"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/store"
	"tuya-dp-bridge/internal/transport"
)

// Session is one bound device: its own update bus, translation engine and
// local clusters, fed by a single worker so frames of a device are handled
// one at a time and in arrival order.
type Session struct {
	ID string

	ieee    string
	profile *profile.DeviceProfile
	bus     *engine.Bus
	engine  *engine.Engine
	device  *adapter.Device
	inbox   chan transport.Message
	logger  *slog.Logger

	mu   sync.RWMutex
	info store.Device

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) IEEE() string { return s.ieee }

func (s *Session) Profile() *profile.DeviceProfile { return s.profile }

// Device returns the local cluster view of the device.
func (s *Session) Device() *adapter.Device { return s.device }

func (s *Session) Engine() *engine.Engine { return s.engine }

// Info returns a copy of the stored device record.
func (s *Session) Info() store.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Name returns the friendly name, falling back to the IEEE address.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info.FriendlyName != "" {
		return s.info.FriendlyName
	}
	return s.ieee
}

func (s *Session) touch(t time.Time) {
	s.mu.Lock()
	s.info.LastSeen = t
	s.mu.Unlock()
}

// run handles inbox messages until ctx is cancelled. onFrame runs after
// each message.
func (s *Session) run(ctx context.Context, onFrame func()) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.engine.HandleCommand(ctx, msg.CommandID, msg.Payload); err != nil {
				s.logger.Debug("frame not fully applied", "cmd", msg.CommandID, "err", err)
			}
			onFrame()
		}
	}
}

// stop cancels the worker, waits for it and detaches the local clusters.
func (s *Session) stop() {
	s.cancel()
	<-s.done
	s.device.Close()
	s.bus.Close()
}
