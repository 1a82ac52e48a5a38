//go:build !no_automation

package automation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	actionTimeout        = 5 * time.Second
)

// registerTuyaModule registers the `tuya` global table in a Lua state.
// Device arguments accept an IEEE address or a friendly name; cluster and
// attribute arguments accept names or numeric IDs.
func registerTuyaModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return tuyaOn(L, vm) },
		"read":    func(L *lua.LState) int { return tuyaRead(L, e) },
		"write":   func(L *lua.LState) int { return tuyaWrite(L, e) },
		"command": func(L *lua.LState) int { return tuyaCommand(L, e) },
		"query":   func(L *lua.LState) int { return tuyaQuery(L, e) },
		"after":   func(L *lua.LState) int { return tuyaAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { vm.logf(slog.LevelInfo, L.CheckString(1)); return 0 },
		"devices": func(L *lua.LState) int { return tuyaDevices(L, e) },
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("tuya", mod)
}

// tuya.on(type, [filter], callback)
func tuyaOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	h := luaEventHandler{eventType: eventType, filter: map[string]string{}}

	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		filter.ForEach(func(k, v lua.LValue) {
			if key, ok := k.(lua.LString); ok {
				h.filter[string(key)] = v.String()
			}
		})
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// tuya.read(device, cluster, attribute) -> value | nil, err
func tuyaRead(L *lua.LState, e *Engine) int {
	ieee := resolveDevice(e, L.CheckString(1))
	t, err := e.ctrl.ResolveAttribute(ieee, L.CheckString(2), L.CheckString(3))
	if err != nil {
		return pushError(L, err)
	}
	v, err := e.ctrl.Read(ieee, t.Endpoint, t.ClusterID, t.AttrID)
	if err != nil {
		return pushError(L, err)
	}
	L.Push(goToLua(L, v))
	return 1
}

// tuya.write(device, cluster, attribute, value) -> true | nil, err
func tuyaWrite(L *lua.LState, e *Engine) int {
	ieee := resolveDevice(e, L.CheckString(1))
	value, err := luaToGo(L.CheckAny(4))
	if err != nil {
		L.ArgError(4, err.Error())
		return 0
	}
	t, err := e.ctrl.ResolveAttribute(ieee, L.CheckString(2), L.CheckString(3))
	if err != nil {
		return pushError(L, err)
	}
	ctx, cancel := actionContext(L)
	defer cancel()
	if err := e.ctrl.Write(ctx, ieee, t.Endpoint, t.ClusterID, t.AttrID, value); err != nil {
		e.logger.Warn("script write failed", "ieee", ieee, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// tuya.command(device, cluster, command, [arg]) -> true | nil, err
func tuyaCommand(L *lua.LState, e *Engine) int {
	ieee := resolveDevice(e, L.CheckString(1))
	var arg any
	if L.GetTop() >= 4 {
		v, err := luaToGo(L.Get(4))
		if err != nil {
			L.ArgError(4, err.Error())
			return 0
		}
		arg = v
	}
	t, err := e.ctrl.ResolveCommand(ieee, L.CheckString(2), L.CheckString(3))
	if err != nil {
		return pushError(L, err)
	}
	ctx, cancel := actionContext(L)
	defer cancel()
	if err := e.ctrl.Invoke(ctx, ieee, t.Endpoint, t.ClusterID, t.CommandID, arg); err != nil {
		e.logger.Warn("script command failed", "ieee", ieee, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// tuya.query(device) -> true | nil, err
func tuyaQuery(L *lua.LState, e *Engine) int {
	ieee := resolveDevice(e, L.CheckString(1))
	ctx, cancel := actionContext(L)
	defer cancel()
	if err := e.ctrl.Query(ctx, ieee); err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// tuya.after(seconds, callback) runs callback later on the script's VM.
func tuyaAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full", "id", vm.id)
		}
	}()
	return 0
}

// tuya.devices() returns {ieee, name, model, manufacturer, profile} tables.
func tuyaDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.ctrl.Devices()
	if err != nil {
		e.logger.Warn("list devices", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("name", lua.LString(dev.FriendlyName))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		d.RawSetString("profile", lua.LString(dev.Profile))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// resolveDevice maps a friendly name to its IEEE address. Anything that
// does not match a stored device is passed through unchanged.
func resolveDevice(e *Engine, target string) string {
	devices, err := e.ctrl.Devices()
	if err != nil {
		return target
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.IEEEAddress, target) {
			return dev.IEEEAddress
		}
	}
	for _, dev := range devices {
		if dev.FriendlyName != "" && strings.EqualFold(dev.FriendlyName, target) {
			return dev.IEEEAddress
		}
	}
	return target
}

func actionContext(L *lua.LState) (context.Context, context.CancelFunc) {
	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, actionTimeout)
}

func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		level := L.CheckString(1)
		msg := L.CheckString(2)
		var lv slog.Level
		if err := lv.UnmarshalText([]byte(level)); err != nil {
			lv = slog.LevelInfo
		}
		vm.logf(lv, "["+level+"] "+msg)
		return 0
	}))
	L.SetGlobal("system", mod)
}

var now = time.Now

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	t := now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(t.Hour()))
	case "minute":
		L.Push(lua.LNumber(t.Minute()))
	case "second":
		L.Push(lua.LNumber(t.Second()))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday()))
	case "day":
		L.Push(lua.LNumber(t.Day()))
	case "month":
		L.Push(lua.LNumber(t.Month()))
	case "year":
		L.Push(lua.LNumber(t.Year()))
	case "timestamp":
		L.Push(lua.LNumber(t.Unix()))
	case "time_str":
		L.Push(lua.LString(t.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(t.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) wraps past midnight when from > to.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	hour := now().Hour()

	var in bool
	if from <= to {
		in = hour >= from && hour < to
	} else {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// goToLua converts an attribute value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(hex.EncodeToString(val))
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a scalar script argument into the shape JSON decoding
// would produce, which is what the attribute encoders accept.
func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type())
	}
}
