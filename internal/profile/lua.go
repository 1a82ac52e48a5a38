package profile

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const luaCallTimeout = 100 * time.Millisecond

// luaExpr evaluates a compiled expression of x. One LState is shared by all
// calls, so calls are serialized. Every call runs in a fresh environment whose
// reads fall through to libs, so nothing an expression assigns outlives it.
type luaExpr struct {
	mu   sync.Mutex
	L    *lua.LState
	fn   *lua.LFunction
	libs *lua.LTable
}

func newLuaFunc(expr string) (Func, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("lua converter needs an expr")
	}
	src := expr
	if !strings.Contains(expr, "return") {
		src = "return " + expr
	}

	L := newSandbox()
	fn, err := L.LoadString(src)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile lua expr %q: %w", expr, err)
	}
	e := &luaExpr{L: L, fn: fn, libs: readOnlyLibs(L)}
	return e.call, nil
}

// newSandbox opens only the base, string and math libraries and removes
// everything that reaches outside the VM or is nondeterministic.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	if m, ok := L.GetGlobal("math").(*lua.LTable); ok {
		m.RawSetString("random", lua.LNil)
		m.RawSetString("randomseed", lua.LNil)
	}
	return L
}

// hiddenGlobals can reach or replace shared tables from inside a call.
var hiddenGlobals = map[string]bool{
	"_G": true, "getfenv": true, "setfenv": true, "getmetatable": true,
	"setmetatable": true, "rawset": true, "rawget": true, "rawequal": true,
}

// readOnlyLibs copies the sandbox globals into a table of their own, with
// library tables behind proxies that refuse assignment.
func readOnlyLibs(L *lua.LState) *lua.LTable {
	libs := L.NewTable()
	L.G.Global.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok || hiddenGlobals[string(name)] {
			return
		}
		if tbl, ok := v.(*lua.LTable); ok {
			v = readOnly(L, tbl, string(name))
		}
		libs.RawSet(k, v)
	})
	return libs
}

func readOnly(L *lua.LState, tbl *lua.LTable, name string) *lua.LTable {
	proxy := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", tbl)
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("%s is read-only", name)
		return 0
	}))
	mt.RawSetString("__metatable", lua.LFalse)
	L.SetMetatable(proxy, mt)
	return proxy
}

func (e *luaExpr) call(v any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), luaCallTimeout)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	in, err := goToLua(v)
	if err != nil {
		return nil, err
	}
	env := e.L.NewTable()
	env.RawSetString("x", in)
	mt := e.L.NewTable()
	mt.RawSetString("__index", e.libs)
	e.L.SetMetatable(env, mt)
	e.fn.Env = env

	e.L.Push(e.fn)
	if err := e.L.PCall(0, 1, nil); err != nil {
		return nil, fmt.Errorf("%w: lua: %v", ErrConversion, err)
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return luaToGo(ret)
}

func goToLua(v any) (lua.LValue, error) {
	switch val := v.(type) {
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case []byte:
		return lua.LString(val), nil
	case float64:
		return lua.LNumber(val), nil
	}
	if n, ok := asInt64(v); ok {
		return lua.LNumber(n), nil
	}
	return nil, fmt.Errorf("%w: lua input %T", ErrConversion, v)
}

// luaToGo maps integral numbers to int64 so results feed integer ZCL types.
func luaToGo(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f), nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: lua returned %s", ErrConversion, v.Type())
}
