package ephem

import (
	"fmt"
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	lua "github.com/yuin/gopher-lua"
)

// ScriptedRotation is a rotation model whose orientation function is
// supplied by Lua. The Lua object produced by the factory function stays
// alive through a generated global binding; the model owns that binding
// and resolves it on every uncached query.
//
// A factory function receives one table holding the configuration mapping
// plus AddonPath, and returns a table with:
//
//	period              - optional number, 0 means aperiodic
//	beginDate, endDate  - optional numbers bounding the validity span;
//	                      0/0 means valid for all time
//	orientation(self,t) - function of a TDB Julian day returning the four
//	                      quaternion components w, x, y, z
type ScriptedRotation struct {
	eng        *Engine
	objectName string

	period          float64
	validRangeBegin float64
	validRangeEnd   float64

	// Cache of the last successful query. Valid iff a query has been made
	// at exactly lastTime; lastTime starts at -Inf so no real time matches
	// before the first call reaches Lua.
	cacheable       bool
	lastTime        float64
	lastOrientation mgl64.Quat
}

// NewScriptedRotation builds a rotation model by invoking the named factory
// function in the engine. If moduleName is non-empty it is resolved through
// require first. A model returned with a nil error is ready to be queried;
// on error the model is unusable and must be discarded.
func NewScriptedRotation(eng *Engine, moduleName, funcName string, params map[string]interface{}, addonPath string) (*ScriptedRotation, error) {
	if eng == nil {
		return nil, ErrEngineUnavailable
	}
	if params == nil {
		return nil, ErrMissingParams
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	L := eng.L

	if moduleName != "" {
		req, ok := L.GetGlobal("require").(*lua.LFunction)
		if !ok {
			return nil, fmt.Errorf("%w: 'require' is unavailable", ErrModuleLoad)
		}
		// The module's return value is not needed; requesting zero results
		// keeps the stack balanced.
		if err := eng.protectedCall(req, 0, lua.LString(moduleName)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModuleLoad, err)
		}
	}

	factory, ok := L.GetGlobal(funcName).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, funcName)
	}

	argTbl := buildParamsTable(L, params, addonPath)
	if err := eng.protectedCall(factory, 1, argTbl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFactoryCall, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	obj, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidReturn, ret.Type())
	}

	r := &ScriptedRotation{
		eng:             eng,
		period:          numberField(obj, "period", 0.0),
		validRangeBegin: numberField(obj, "beginDate", 0.0),
		validRangeEnd:   numberField(obj, "endDate", 0.0),
		cacheable:       true,
		lastTime:        math.Inf(-1),
		lastOrientation: mgl64.QuatIdent(),
	}

	if r.validRangeEnd < r.validRangeBegin {
		return nil, fmt.Errorf("%w: endDate %g < beginDate %g", ErrInvalidRange, r.validRangeEnd, r.validRangeBegin)
	}

	// Bind the object under a unique global name. The Lua GC does not see
	// host-held references, so the named binding is what keeps the object
	// alive between queries.
	r.objectName = nextObjectName()
	L.SetGlobal(r.objectName, obj)

	return r, nil
}

// OrientationAt returns the orientation at tjd, a TDB Julian day.
//
// The last result is cached, so repeated queries at the same time do not
// re-enter Lua. Failures inside the script, a missing orientation function,
// or a vanished script object all degrade to the last cached orientation
// rather than surfacing an error; before any successful query that is the
// identity quaternion.
func (r *ScriptedRotation) OrientationAt(tjd float64) mgl64.Quat {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()

	if tjd == r.lastTime && r.cacheable {
		return r.lastOrientation
	}

	L := r.eng.L
	obj, ok := L.GetGlobal(r.objectName).(*lua.LTable)
	if !ok {
		// The script object vanished from the global table
		return r.lastOrientation
	}

	fn, ok := L.GetField(obj, "orientation").(*lua.LFunction)
	if !ok {
		return r.lastOrientation
	}

	if err := r.eng.protectedCall(fn, 4, obj, lua.LNumber(tjd)); err != nil {
		// lastTime is left alone so the failure is retried on the next
		// distinct time value instead of being cached
		log.Printf("Scripted rotation %s failed: %v", r.objectName, err)
		return r.lastOrientation
	}

	w := toNumber(L.Get(-4))
	x := toNumber(L.Get(-3))
	y := toNumber(L.Get(-2))
	z := toNumber(L.Get(-1))
	L.Pop(4)

	r.lastOrientation = mgl64.Quat{W: w, V: mgl64.Vec3{x, y, z}}
	r.lastTime = tjd
	return r.lastOrientation
}

// Period returns the rotation period in days. An aperiodic model reports
// the span of its validity range instead.
func (r *ScriptedRotation) Period() float64 {
	if r.period == 0.0 {
		return r.validRangeEnd - r.validRangeBegin
	}
	return r.period
}

// IsPeriodic reports whether the model declared a nonzero period.
func (r *ScriptedRotation) IsPeriodic() bool {
	return r.period != 0.0
}

// ValidRange returns the declared validity bounds. 0/0 means the model is
// valid over all time; interpreting the sentinel is up to the caller.
func (r *ScriptedRotation) ValidRange() (begin, end float64) {
	return r.validRangeBegin, r.validRangeEnd
}

// Release drops the global binding that keeps the Lua object alive, making
// it collectable by the guest runtime. Safe to call more than once. Queries
// after release return the last cached orientation.
func (r *ScriptedRotation) Release() {
	r.eng.mu.Lock()
	defer r.eng.mu.Unlock()

	if r.objectName != "" {
		r.eng.L.SetGlobal(r.objectName, lua.LNil)
	}
}

// numberField reads an optional numeric field from a table, falling back
// to def when the field is absent or of the wrong type.
func numberField(tbl *lua.LTable, key string, def float64) float64 {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		return float64(n)
	}
	return def
}

// toNumber mirrors lua_tonumber: non-numbers coerce to 0.
func toNumber(v lua.LValue) float64 {
	if n, ok := v.(lua.LNumber); ok {
		return float64(n)
	}
	return 0.0
}
