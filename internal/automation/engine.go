//go:build !no_automation

// Package automation runs user Lua rule scripts against bridge events.
// Each enabled script gets its own VM; handlers registered with tuya.on are
// called on that VM's goroutine, so a script never runs concurrently with
// itself.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tuya-dp-bridge/internal/coordinator"
	"tuya-dp-bridge/internal/store"
)

const (
	handlerTimeout = 5 * time.Second
	runTimeout     = 5 * time.Second
	commandQueue   = 64
)

// Controller is the part of the coordinator scripts act on.
type Controller interface {
	Events() *coordinator.EventBus
	Devices() ([]*store.Device, error)
	ResolveAttribute(ieee, clusterRef, attrRef string) (coordinator.Target, error)
	ResolveCommand(ieee, clusterRef, cmdRef string) (coordinator.Target, error)
	Read(ieee string, endpoint uint8, clusterID, attrID uint16) (any, error)
	Write(ctx context.Context, ieee string, endpoint uint8, clusterID, attrID uint16, value any) error
	Invoke(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, cmdID uint8, arg any) error
	Query(ctx context.Context, ieee string) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Handlers int      `json:"handlers"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for one event type.
// Filter values are compared against the event fields as strings.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	logf     func(level slog.Level, msg string)
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Engine manages script VMs and dispatches coordinator events to them.
type Engine struct {
	ctrl    Controller
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(ctrl Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to coordinator events and starts every enabled script.
// A script that fails to load is logged and skipped.
func (e *Engine) Start() {
	e.unsub = e.ctrl.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReloadScript stops the old VM, if any, and starts the script again when
// it is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) (*RunResult, error) {
	s, err := e.manager.Get(id)
	if err != nil {
		return nil, err
	}
	return e.RunLuaCode(s.LuaCode), nil
}

// RunLuaCode executes code in a temporary VM. The top-level chunk runs
// first, then every handler it registered is called once with a synthetic
// event built from its filter. Device actions are real.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := &scriptVM{
		id:       "run",
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(level slog.Level, msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
			e.logger.Log(context.Background(), level, "script run log", "msg", msg)
		},
	}
	L := e.newState(vm)
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		handlers := len(vm.snapshotHandlers())
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Handlers: handlers, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		for k, v := range h.filter {
			ev.RawSetString(k, lua.LString(v))
		}
		if ev.RawGetString("value") == lua.LNil {
			ev.RawSetString("value", lua.LTrue)
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func runError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return err.Error()
}

// newState builds a sandboxed VM with the tuya and system modules.
func (e *Engine) newState(vm *scriptVM) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm.state = L
	registerTuyaModule(L, vm, e)
	registerSystemModule(L, vm)
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("script", s.ID)
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
		logf: func(level slog.Level, msg string) {
			logger.Log(context.Background(), level, "script log", "msg", msg)
		},
	}
	L := e.newState(vm)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				callCtx, callCancel := context.WithTimeout(ctx, handlerTimeout)
				L.SetContext(callCtx)
				fn(L)
				L.RemoveContext()
				callCancel()
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

// dispatchEvent queues the event on every VM with a matching handler. It
// never blocks the event bus; a full queue drops the event.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	fields := eventFields(event)
	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm.id, fn, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "event", event.Type)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "err", r)
		}
	}()

	ev := L.NewTable()
	for k, v := range fields {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "id", id, "err", err)
	}
}

// eventFields flattens a coordinator event into the table handlers see.
func eventFields(event coordinator.Event) map[string]any {
	f := map[string]any{"type": event.Type}
	switch d := event.Data.(type) {
	case coordinator.AttributeReport:
		f["ieee"] = d.IEEE
		f["name"] = d.FriendlyName
		f["endpoint"] = d.Endpoint
		f["cluster"] = d.Cluster
		f["cluster_id"] = d.ClusterID
		f["attribute"] = d.Attribute
		f["attr_id"] = d.AttrID
		f["value"] = d.Value
		f["dp"] = d.DP
		f["changed"] = d.Changed
	case coordinator.DeviceEvent:
		f["ieee"] = d.IEEE
		f["name"] = d.FriendlyName
		f["profile"] = d.Profile
		f["session_id"] = d.SessionID
	case coordinator.DiagnosticEvent:
		f["ieee"] = d.IEEE
		f["kind"] = d.Kind
		f["dp"] = d.DP
		f["error"] = d.Error
	case map[string]any:
		for k, v := range d {
			f[k] = v
		}
	}
	return f
}

// matchesHandler reports whether an event passes a handler's type and
// filter. The ieee filter also accepts the device's friendly name.
func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		if k == "ieee" {
			ieee, _ := fields["ieee"].(string)
			name, _ := fields["name"].(string)
			if !strings.EqualFold(ieee, want) && (name == "" || !strings.EqualFold(name, want)) {
				return false
			}
			continue
		}
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}
