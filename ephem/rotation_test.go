package ephem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng := NewEngine()
	t.Cleanup(eng.Close)
	return eng
}

func mustLoad(t *testing.T, eng *Engine, source string) {
	t.Helper()
	if err := eng.LoadSource(source); err != nil {
		t.Fatalf("LoadSource failed: %v", err)
	}
}

func TestScriptedRotation_IdentityFactory(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return {
        period = 0,
        beginDate = 0,
        endDate = 0,
        orientation = function(self, tjd)
            return 1, 0, 0, 0
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	if rot.IsPeriodic() {
		t.Error("Expected aperiodic model")
	}
	if p := rot.Period(); p != 0 {
		t.Errorf("Expected period 0, got %g", p)
	}

	q := rot.OrientationAt(100.0)
	if q.W != 1 || q.V[0] != 0 || q.V[1] != 0 || q.V[2] != 0 {
		t.Errorf("Expected identity quaternion, got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
}

func TestScriptedRotation_ValiditySpanAsPeriod(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return { beginDate = 2451545.0, endDate = 2451910.0 }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	if rot.IsPeriodic() {
		t.Error("Expected aperiodic model")
	}
	if p := rot.Period(); p != 365.0 {
		t.Errorf("Expected period 365, got %g", p)
	}
	begin, end := rot.ValidRange()
	if begin != 2451545.0 || end != 2451910.0 {
		t.Errorf("Expected range (2451545, 2451910), got (%g, %g)", begin, end)
	}

	// No orientation function: queries fall back to the identity default
	q := rot.OrientationAt(2451700.0)
	if q.W != 1 || q.V[0] != 0 || q.V[1] != 0 || q.V[2] != 0 {
		t.Errorf("Expected identity quaternion, got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
}

func TestScriptedRotation_InvalidRange(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return { beginDate = 10, endDate = 5 }
end
`)

	_, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if !errors.Is(err, ErrInvalidRange) {
		t.Errorf("Expected ErrInvalidRange, got %v", err)
	}
}

func TestScriptedRotation_NilEngine(t *testing.T) {
	_, err := NewScriptedRotation(nil, "mod", "makerot", map[string]interface{}{}, "")
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Errorf("Expected ErrEngineUnavailable, got %v", err)
	}
}

func TestScriptedRotation_MissingParams(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `function makerot(config) return {} end`)

	_, err := NewScriptedRotation(eng, "", "makerot", nil, "")
	if !errors.Is(err, ErrMissingParams) {
		t.Errorf("Expected ErrMissingParams, got %v", err)
	}
}

func TestScriptedRotation_FunctionNotFound(t *testing.T) {
	eng := newTestEngine(t)

	_, err := NewScriptedRotation(eng, "", "nosuchfactory", map[string]interface{}{}, "")
	if !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("Expected ErrFunctionNotFound, got %v", err)
	}
}

func TestScriptedRotation_InvalidReturn(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `function makerot(config) return 42 end`)

	_, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if !errors.Is(err, ErrInvalidReturn) {
		t.Errorf("Expected ErrInvalidReturn, got %v", err)
	}
}

func TestScriptedRotation_FactoryError(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `function makerot(config) error("boom") end`)

	_, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if !errors.Is(err, ErrFactoryCall) {
		t.Fatalf("Expected ErrFactoryCall, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected guest error message in %q", err.Error())
	}
}

func TestScriptedRotation_ModuleLoadFailure(t *testing.T) {
	eng := newTestEngine(t)

	_, err := NewScriptedRotation(eng, "no_such_module", "makerot", map[string]interface{}{}, "")
	if !errors.Is(err, ErrModuleLoad) {
		t.Errorf("Expected ErrModuleLoad, got %v", err)
	}
}

func TestScriptedRotation_ModuleLoad(t *testing.T) {
	dir := t.TempDir()
	source := `
function modrot(config)
    return {
        period = 2.5,
        orientation = function(self, tjd)
            return 0, 1, 0, 0
        end,
    }
end
`
	if err := os.WriteFile(filepath.Join(dir, "rotmod.lua"), []byte(source), 0644); err != nil {
		t.Fatalf("Failed to write module: %v", err)
	}

	eng := newTestEngine(t)
	eng.AddModulePath(dir)

	rot, err := NewScriptedRotation(eng, "rotmod", "modrot", map[string]interface{}{}, dir)
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	if !rot.IsPeriodic() {
		t.Error("Expected periodic model")
	}
	if p := rot.Period(); p != 2.5 {
		t.Errorf("Expected period 2.5, got %g", p)
	}

	q := rot.OrientationAt(2451545.0)
	if q.W != 0 || q.V[0] != 1 {
		t.Errorf("Expected (0, 1, 0, 0), got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
}

func TestScriptedRotation_ConfigReachesFactory(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    if config.AddonPath ~= "/addons/spinner" then
        error("bad addon path: " .. tostring(config.AddonPath))
    end
    if config.Rate ~= 2 then
        error("bad rate")
    end
    if config.Axis ~= "z" then
        error("bad axis")
    end
    return { period = config.Rate }
end
`)

	params := map[string]interface{}{
		"Rate": 2,
		"Axis": "z",
	}
	rot, err := NewScriptedRotation(eng, "", "makerot", params, "/addons/spinner")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}
	if p := rot.Period(); p != 2 {
		t.Errorf("Expected period 2, got %g", p)
	}
}

func TestScriptedRotation_Caching(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
calls = 0
function makerot(config)
    return {
        orientation = function(self, tjd)
            calls = calls + 1
            return 1, 0, 0, 0
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	callCount := func() int {
		n, ok := eng.L.GetGlobal("calls").(lua.LNumber)
		if !ok {
			t.Fatalf("calls counter missing")
		}
		return int(n)
	}

	// A first query at t=0 must reach Lua; 0.0 is a real time, not the
	// cache sentinel
	rot.OrientationAt(0.0)
	if c := callCount(); c != 1 {
		t.Fatalf("Expected 1 call after first query, got %d", c)
	}

	// Same time again: served from cache
	rot.OrientationAt(0.0)
	if c := callCount(); c != 1 {
		t.Errorf("Expected cached result, got %d calls", c)
	}

	// Distinct time: re-enters Lua
	rot.OrientationAt(100.0)
	if c := callCount(); c != 2 {
		t.Errorf("Expected 2 calls after distinct time, got %d", c)
	}

	// With caching off, the same time is recomputed
	rot.cacheable = false
	rot.OrientationAt(100.0)
	if c := callCount(); c != 3 {
		t.Errorf("Expected 3 calls with caching disabled, got %d", c)
	}
}

func TestScriptedRotation_FailureMasking(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
mode = "ok"
function makerot(config)
    return {
        orientation = function(self, tjd)
            if mode == "fail" then
                error("scripted failure")
            end
            return 0.5, 0.5, 0.5, 0.5
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	q := rot.OrientationAt(1.0)
	if q.W != 0.5 {
		t.Fatalf("Expected w=0.5, got %g", q.W)
	}

	mustLoad(t, eng, `mode = "fail"`)

	// The failing call is masked by the previous result
	q = rot.OrientationAt(2.0)
	if q.W != 0.5 || q.V[0] != 0.5 || q.V[1] != 0.5 || q.V[2] != 0.5 {
		t.Errorf("Expected previous orientation, got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
	// lastTime must not advance, so the failed time is retried
	if rot.lastTime != 1.0 {
		t.Errorf("Expected lastTime 1.0 after failed query, got %g", rot.lastTime)
	}

	mustLoad(t, eng, `mode = "ok"`)
	q = rot.OrientationAt(2.0)
	if q.W != 0.5 {
		t.Errorf("Expected recovery on retry, got w=%g", q.W)
	}
	if rot.lastTime != 2.0 {
		t.Errorf("Expected lastTime 2.0 after recovery, got %g", rot.lastTime)
	}
}

func TestScriptedRotation_VanishedObject(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return {
        orientation = function(self, tjd)
            return 0, 0, 1, 0
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	q := rot.OrientationAt(10.0)
	if q.V[1] != 1 {
		t.Fatalf("Expected y=1, got %g", q.V[1])
	}

	// Overwrite the global binding out from under the model
	eng.L.SetGlobal(rot.objectName, lua.LNil)

	q = rot.OrientationAt(20.0)
	if q.V[1] != 1 {
		t.Errorf("Expected last cached orientation after object vanished, got y=%g", q.V[1])
	}
}

func TestScriptedRotation_Release(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return {
        orientation = function(self, tjd)
            return 1, 0, 0, 0
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	if eng.L.GetGlobal(rot.objectName) == lua.LNil {
		t.Fatal("Expected object bound before release")
	}

	rot.Release()
	if eng.L.GetGlobal(rot.objectName) != lua.LNil {
		t.Error("Expected binding cleared after release")
	}

	// Idempotent
	rot.Release()

	// Queries degrade to the cached orientation
	q := rot.OrientationAt(5.0)
	if q.W != 1 {
		t.Errorf("Expected identity fallback after release, got w=%g", q.W)
	}
}

func TestScriptedRotation_WrongTypedFieldsDefault(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return { period = "fast", beginDate = {}, endDate = nil }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	if rot.IsPeriodic() {
		t.Error("Expected wrong-typed period to default to 0")
	}
	begin, end := rot.ValidRange()
	if begin != 0 || end != 0 {
		t.Errorf("Expected all-time sentinel range, got (%g, %g)", begin, end)
	}
}

func TestScriptedRotation_ComponentOrder(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return {
        orientation = function(self, tjd)
            return 0.1, 0.2, 0.3, 0.4
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	q := rot.OrientationAt(1.0)
	if q.W != 0.1 || q.V[0] != 0.2 || q.V[1] != 0.3 || q.V[2] != 0.4 {
		t.Errorf("Expected (w,x,y,z) order, got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
}

func TestScriptedRotation_ShortReturnPadsWithZero(t *testing.T) {
	eng := newTestEngine(t)
	mustLoad(t, eng, `
function makerot(config)
    return {
        orientation = function(self, tjd)
            return 1, 1
        end,
    }
end
`)

	rot, err := NewScriptedRotation(eng, "", "makerot", map[string]interface{}{}, "")
	if err != nil {
		t.Fatalf("NewScriptedRotation failed: %v", err)
	}

	q := rot.OrientationAt(1.0)
	if q.W != 1 || q.V[0] != 1 || q.V[1] != 0 || q.V[2] != 0 {
		t.Errorf("Expected missing components to read as 0, got (%g, %g, %g, %g)", q.W, q.V[0], q.V[1], q.V[2])
	}
}
