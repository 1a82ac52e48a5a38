//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"tuya-dp-bridge/internal/coordinator"
	"tuya-dp-bridge/internal/store"
)

const (
	sensorIEEE = "A4C138D0E1F20304"
	fanIEEE    = "A4C13811223344AA"
)

type call struct {
	op       string
	ieee     string
	endpoint uint8
	cluster  uint16
	id       uint16
	value    any
}

// fakeController resolves a fixed set of names and records every action.
type fakeController struct {
	events *coordinator.EventBus

	mu    sync.Mutex
	calls []call
	err   error
}

func newFakeController() *fakeController {
	return &fakeController{events: coordinator.NewEventBus(silentLogger())}
}

func (f *fakeController) Events() *coordinator.EventBus { return f.events }

func (f *fakeController) Devices() ([]*store.Device, error) {
	return []*store.Device{
		{IEEEAddress: sensorIEEE, FriendlyName: "bathroom sensor", Model: "TS0601", Manufacturer: "_TZE200_bjawzodf", Profile: "th_sensor"},
		{IEEEAddress: fanIEEE, FriendlyName: "fan", Model: "TS0601", Manufacturer: "_TZE200_switch", Profile: "dp_switch"},
	}, nil
}

func (f *fakeController) ResolveAttribute(ieee, clusterRef, attrRef string) (coordinator.Target, error) {
	switch {
	case clusterRef == "temperature" && attrRef == "measured_value":
		return coordinator.Target{Endpoint: 1, ClusterID: 0x0402, AttrID: 0x0000}, nil
	case clusterRef == "on_off" && attrRef == "on_off":
		return coordinator.Target{Endpoint: 1, ClusterID: 0x0006, AttrID: 0x0000}, nil
	}
	return coordinator.Target{}, fmt.Errorf("%w: %q", coordinator.ErrUnknownCluster, clusterRef)
}

func (f *fakeController) ResolveCommand(ieee, clusterRef, cmdRef string) (coordinator.Target, error) {
	if clusterRef == "on_off" {
		switch cmdRef {
		case "off":
			return coordinator.Target{Endpoint: 1, ClusterID: 0x0006, CommandID: 0x00}, nil
		case "on":
			return coordinator.Target{Endpoint: 1, ClusterID: 0x0006, CommandID: 0x01}, nil
		}
	}
	return coordinator.Target{}, fmt.Errorf("%w: %q", coordinator.ErrUnknownCluster, clusterRef)
}

func (f *fakeController) Read(ieee string, endpoint uint8, clusterID, attrID uint16) (any, error) {
	f.record(call{op: "read", ieee: ieee, endpoint: endpoint, cluster: clusterID, id: attrID})
	if ieee != sensorIEEE {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownDevice, ieee)
	}
	return int16(2370), nil
}

func (f *fakeController) Write(_ context.Context, ieee string, endpoint uint8, clusterID, attrID uint16, value any) error {
	f.record(call{op: "write", ieee: ieee, endpoint: endpoint, cluster: clusterID, id: attrID, value: value})
	return f.failure()
}

func (f *fakeController) Invoke(_ context.Context, ieee string, endpoint uint8, clusterID uint16, cmdID uint8, arg any) error {
	f.record(call{op: "invoke", ieee: ieee, endpoint: endpoint, cluster: clusterID, id: uint16(cmdID), value: arg})
	return f.failure()
}

func (f *fakeController) Query(_ context.Context, ieee string) error {
	f.record(call{op: "query", ieee: ieee})
	return f.failure()
}

func (f *fakeController) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeController) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeController) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func waitForCalls(t *testing.T, f *fakeController, n int) []call {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := f.Calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d calls, got %d", n, len(f.Calls()))
	return nil
}

func newTestEngine(t *testing.T, scripts ...*Script) (*Engine, *fakeController, *Manager) {
	t.Helper()
	mgr := newTestManager(t)
	for _, s := range scripts {
		if _, err := mgr.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	ctrl := newFakeController()
	e := NewEngine(ctrl, mgr, silentLogger())
	e.Start()
	t.Cleanup(e.Stop)
	return e, ctrl, mgr
}

func humidityReport(value uint16) coordinator.Event {
	return coordinator.Event{Type: coordinator.EventAttributeReport, Data: coordinator.AttributeReport{
		IEEE:         sensorIEEE,
		FriendlyName: "bathroom sensor",
		Endpoint:     1,
		ClusterID:    0x0405,
		Cluster:      "humidity",
		Attribute:    "measured_value",
		Value:        value,
		DP:           2,
		Changed:      true,
	}}
}

const fanRule = `
tuya.on("attribute_report", {ieee="bathroom sensor", cluster="humidity"}, function(event)
    if event.value > 7000 then
        tuya.command("fan", "on_off", "on")
    else
        tuya.command("fan", "on_off", "off")
    end
end)
`

func TestEngineRunsRuleOnReport(t *testing.T) {
	e, ctrl, _ := newTestEngine(t, &Script{ID: "fan", Meta: ScriptMeta{Name: "Fan", Enabled: true}, LuaCode: fanRule})

	if got := e.Running(); len(got) != 1 || got[0] != "fan" {
		t.Fatalf("running = %v, want [fan]", got)
	}

	ctrl.Events().Emit(humidityReport(7450))
	calls := waitForCalls(t, ctrl, 1)
	if c := calls[0]; c.op != "invoke" || c.ieee != fanIEEE || c.cluster != 0x0006 || c.id != 0x01 || c.value != nil {
		t.Errorf("call = %+v, want invoke on to fan", c)
	}

	ctrl.Events().Emit(humidityReport(5200))
	calls = waitForCalls(t, ctrl, 2)
	if c := calls[1]; c.id != 0x00 {
		t.Errorf("command = %d, want off", c.id)
	}
}

func TestEngineFiltersEvents(t *testing.T) {
	_, ctrl, _ := newTestEngine(t, &Script{ID: "fan", Meta: ScriptMeta{Name: "Fan", Enabled: true}, LuaCode: fanRule})

	other := humidityReport(9000)
	rep := other.Data.(coordinator.AttributeReport)
	rep.IEEE, rep.FriendlyName = "0011223344556677", "kitchen"
	other.Data = rep
	ctrl.Events().Emit(other)
	ctrl.Events().Emit(coordinator.Event{Type: coordinator.EventDeviceBound, Data: coordinator.DeviceEvent{IEEE: sensorIEEE}})

	// a matching report afterwards proves the earlier ones were skipped
	ctrl.Events().Emit(humidityReport(7450))
	calls := waitForCalls(t, ctrl, 1)
	time.Sleep(20 * time.Millisecond)
	if n := len(ctrl.Calls()); n != 1 {
		t.Fatalf("calls = %d, want 1: %+v", n, calls)
	}
}

func TestEngineSkipsDisabledAndBrokenScripts(t *testing.T) {
	e, _, _ := newTestEngine(t,
		&Script{ID: "off", Meta: ScriptMeta{Name: "Off"}, LuaCode: fanRule},
		&Script{ID: "broken", Meta: ScriptMeta{Name: "Broken", Enabled: true}, LuaCode: "tuya.on("},
		&Script{ID: "ok", Meta: ScriptMeta{Name: "OK", Enabled: true}, LuaCode: fanRule},
	)
	if got := e.Running(); len(got) != 1 || got[0] != "ok" {
		t.Errorf("running = %v, want [ok]", got)
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	e, ctrl, mgr := newTestEngine(t, &Script{ID: "fan", Meta: ScriptMeta{Name: "Fan"}, LuaCode: fanRule})
	if len(e.Running()) != 0 {
		t.Fatal("disabled script must not run")
	}

	s, err := mgr.Get("fan")
	if err != nil {
		t.Fatal(err)
	}
	s.Meta.Enabled = true
	if _, err := mgr.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript("fan"); err != nil {
		t.Fatal(err)
	}
	ctrl.Events().Emit(humidityReport(7450))
	waitForCalls(t, ctrl, 1)

	e.StopScript("fan")
	if len(e.Running()) != 0 {
		t.Fatal("script still running after StopScript")
	}
	ctrl.Events().Emit(humidityReport(7450))
	time.Sleep(20 * time.Millisecond)
	if n := len(ctrl.Calls()); n != 1 {
		t.Errorf("calls after stop = %d, want 1", n)
	}

	if err := e.ReloadScript("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("reload missing err = %v, want ErrScriptNotFound", err)
	}
}

func TestEngineAfter(t *testing.T) {
	_, ctrl, _ := newTestEngine(t, &Script{ID: "later", Meta: ScriptMeta{Name: "Later", Enabled: true}, LuaCode: `
tuya.on("device_bound", function(event)
    tuya.after(0.01, function() tuya.query(event.ieee) end)
end)
`})

	ctrl.Events().Emit(coordinator.Event{Type: coordinator.EventDeviceBound, Data: coordinator.DeviceEvent{IEEE: sensorIEEE}})
	calls := waitForCalls(t, ctrl, 1)
	if calls[0].op != "query" || calls[0].ieee != sensorIEEE {
		t.Errorf("call = %+v, want query of sensor", calls[0])
	}
}

func TestRunLuaCodeActions(t *testing.T) {
	e, ctrl, _ := newTestEngine(t)

	res := e.RunLuaCode(`
local v = tuya.read("bathroom sensor", "temperature", "measured_value")
tuya.log("temp " .. v)
local ok, err = tuya.read("nobody", "temperature", "measured_value")
tuya.log(tostring(ok) .. " " .. err)
assert(tuya.write("fan", "on_off", "on_off", true))
local ok2, err2 = tuya.write("fan", "level", "current_level", 3)
system.log("warn", err2)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 3 {
		t.Fatalf("logs = %q, want 3 entries", res.Logs)
	}
	if res.Logs[0] != "temp 2370" {
		t.Errorf("log[0] = %q", res.Logs[0])
	}
	if !strings.HasPrefix(res.Logs[1], "nil coordinator: device not bound") {
		t.Errorf("log[1] = %q", res.Logs[1])
	}
	if !strings.HasPrefix(res.Logs[2], "[warn] coordinator: cluster not exposed") {
		t.Errorf("log[2] = %q", res.Logs[2])
	}

	var writes []call
	for _, c := range ctrl.Calls() {
		if c.op == "write" {
			writes = append(writes, c)
		}
	}
	if len(writes) != 1 || writes[0].ieee != fanIEEE || writes[0].value != true {
		t.Errorf("writes = %+v, want one on_off write to fan", writes)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, ctrl, _ := newTestEngine(t)

	res := e.RunLuaCode(`
tuya.on("attribute_report", {ieee="fan", attribute="on_off"}, function(event)
    tuya.log(event.type .. " " .. event.ieee .. " " .. tostring(event.value))
    tuya.command(event.ieee, "on_off", "off")
end)
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if res.Handlers != 1 {
		t.Errorf("handlers = %d, want 1", res.Handlers)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "attribute_report fan true" {
		t.Errorf("logs = %q", res.Logs)
	}
	if calls := ctrl.Calls(); len(calls) != 1 || calls[0].op != "invoke" || calls[0].ieee != fanIEEE {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newTestEngine(t)

	tests := []struct {
		name string
		code string
		want string
	}{
		{"syntax", "tuya.on(", ""},
		{"os removed", "return os.time()", "non-table object(nil)"},
		{"require removed", `require("socket")`, "non-function"},
		{"bad write value", `tuya.write("fan", "on_off", "on_off", {1, 2})`, "unsupported value type"},
		{"unknown datetime", `system.datetime("fortnight")`, "unknown component"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("error = %q, want it to contain %q", res.Error, tt.want)
			}
		})
	}
}

func TestRunScript(t *testing.T) {
	e, _, _ := newTestEngine(t, &Script{ID: "hello", Meta: ScriptMeta{Name: "Hello"}, LuaCode: `tuya.log("hi")`})

	res, err := e.RunScript("hello")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "hi" {
		t.Errorf("result = %+v", res)
	}
	if _, err := e.RunScript("nope"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
}

func TestMatchesHandler(t *testing.T) {
	fields := eventFields(humidityReport(6120))

	tests := []struct {
		name      string
		eventType string
		filter    map[string]string
		want      bool
	}{
		{"type only", coordinator.EventAttributeReport, nil, true},
		{"wildcard", "*", nil, true},
		{"other type", coordinator.EventDiagnostic, nil, false},
		{"ieee", coordinator.EventAttributeReport, map[string]string{"ieee": strings.ToLower(sensorIEEE)}, true},
		{"friendly name", coordinator.EventAttributeReport, map[string]string{"ieee": "Bathroom Sensor"}, true},
		{"other device", coordinator.EventAttributeReport, map[string]string{"ieee": fanIEEE}, false},
		{"cluster and attribute", coordinator.EventAttributeReport, map[string]string{"cluster": "humidity", "attribute": "measured_value"}, true},
		{"numeric field", coordinator.EventAttributeReport, map[string]string{"dp": "2", "endpoint": "1"}, true},
		{"bool field", coordinator.EventAttributeReport, map[string]string{"changed": "true"}, true},
		{"wrong value", coordinator.EventAttributeReport, map[string]string{"cluster": "temperature"}, false},
		{"missing field", coordinator.EventAttributeReport, map[string]string{"kind": "unmapped_dp"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := luaEventHandler{eventType: tt.eventType, filter: tt.filter}
			if got := matchesHandler(h, coordinator.EventAttributeReport, fields); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventFields(t *testing.T) {
	f := eventFields(coordinator.Event{Type: coordinator.EventDiagnostic, Data: coordinator.DiagnosticEvent{
		IEEE: sensorIEEE, Kind: "unmapped_dp", DP: 9, Error: "engine: unmapped data point",
	}})
	if f["type"] != coordinator.EventDiagnostic || f["kind"] != "unmapped_dp" || f["dp"] != uint8(9) {
		t.Errorf("diagnostic fields = %v", f)
	}

	f = eventFields(coordinator.Event{Type: coordinator.EventDeviceRemoved, Data: coordinator.DeviceEvent{
		IEEE: sensorIEEE, Profile: "th_sensor",
	}})
	if f["ieee"] != sensorIEEE || f["profile"] != "th_sensor" {
		t.Errorf("device fields = %v", f)
	}

	f = eventFields(coordinator.Event{Type: "custom", Data: map[string]any{"x": 1}})
	if f["x"] != 1 || f["type"] != "custom" {
		t.Errorf("map fields = %v", f)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValue
	}{
		{"nil", nil, lua.LNil},
		{"bool", true, lua.LTrue},
		{"string", "hello", lua.LString("hello")},
		{"bytes", []byte{0xde, 0xad}, lua.LString("dead")},
		{"int16", int16(-120), lua.LNumber(-120)},
		{"uint16", uint16(6120), lua.LNumber(6120)},
		{"float64", 3.5, lua.LNumber(3.5)},
		{"unknown", struct{}{}, lua.LString("{}")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val); got != tt.want {
				t.Errorf("goToLua(%v) = %v, want %v", tt.val, got, tt.want)
			}
		})
	}

	tbl, ok := goToLua(L, map[string]any{"a": []any{1, 2}}).(*lua.LTable)
	if !ok {
		t.Fatal("map did not become a table")
	}
	if inner, ok := tbl.RawGetString("a").(*lua.LTable); !ok || inner.Len() != 2 {
		t.Errorf("nested slice = %v", tbl.RawGetString("a"))
	}
}

func TestLuaToGo(t *testing.T) {
	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LNil, nil},
		{lua.LTrue, true},
		{lua.LNumber(21.5), 21.5},
		{lua.LString("heat"), "heat"},
	}
	for _, tt := range tests {
		got, err := luaToGo(tt.in)
		if err != nil {
			t.Fatalf("luaToGo(%v): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("luaToGo(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	L := lua.NewState()
	defer L.Close()
	if _, err := luaToGo(L.NewTable()); err == nil {
		t.Error("expected error for table")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	orig := now
	t.Cleanup(func() { now = orig })
	now = func() time.Time { return time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC) }

	e, _, _ := newTestEngine(t)
	res := e.RunLuaCode(`
tuya.log(tostring(system.time_between(22, 6)))
tuya.log(tostring(system.time_between(8, 22)))
tuya.log(tostring(system.datetime("hour")))
tuya.log(system.datetime("date_str"))
`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"true", "false", "23", "2026-03-01"}
	if strings.Join(res.Logs, ",") != strings.Join(want, ",") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}
