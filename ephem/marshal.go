package ephem

import (
	lua "github.com/yuin/gopher-lua"
)

// AddonPathKey is the reserved key through which a factory function learns
// the resource root of the addon that configured it.
const AddonPathKey = "AddonPath"

// buildParamsTable converts a host-side configuration mapping into the
// single table argument passed to a factory function. Every key/value pair
// is copied with host-to-guest coercion, then the addon path is bound under
// the reserved AddonPath key.
func buildParamsTable(L *lua.LState, params map[string]interface{}, addonPath string) *lua.LTable {
	tbl := L.NewTable()
	for key, val := range params {
		tbl.RawSetString(key, goToLua(L, val))
	}
	tbl.RawSetString(AddonPathKey, lua.LString(addonPath))
	return tbl
}

// goToLua converts a Go value to a Lua value. Unrepresentable values map
// to nil rather than failing construction.
func goToLua(L *lua.LState, val interface{}) lua.LValue {
	switch v := val.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range v {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range v {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}
