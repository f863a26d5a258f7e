package ephem

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const MaxExecutionTime = 5 * time.Second

// Engine owns a Lua state in which scripted ephemeris objects live.
// gopher-lua states are not safe for concurrent use, so every stack
// operation goes through the engine mutex.
type Engine struct {
	L  *lua.LState
	mu sync.Mutex
}

var (
	sharedMu       sync.Mutex
	sharedEngine   *Engine
	sharedDisabled bool
)

// Acquire returns the process-wide shared engine, creating it on first use.
// Returns ErrEngineUnavailable if scripting has been disabled.
func Acquire() (*Engine, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedDisabled {
		return nil, ErrEngineUnavailable
	}
	if sharedEngine == nil {
		sharedEngine = NewEngine()
	}
	return sharedEngine, nil
}

// SetDisabled turns the shared engine on or off. Disabling does not tear
// down an already-created engine; it only makes Acquire report unavailable.
func SetDisabled(disabled bool) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedDisabled = disabled
}

// NewEngine creates an isolated scripting environment. Most callers want
// Acquire; isolated engines exist for tests and for hosts that need more
// than one guest namespace.
func NewEngine() *Engine {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	// Scripts get computation and module loading, not process access.
	// The package library must be opened before base.
	lua.OpenPackage(L)
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove dangerous functions from base
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)

	return &Engine{L: L}
}

// Close shuts down the engine. Only isolated engines should be closed; the
// shared engine lives for the process lifetime.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
}

// LoadSource executes script source in the engine, typically to define
// factory functions. Runs with a deadline so a broken script cannot hang
// the host.
func (e *Engine) LoadSource(source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), MaxExecutionTime)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	if err := e.L.DoString(source); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script load timed out after %v", MaxExecutionTime)
		}
		return err
	}
	return nil
}

// LoadFile executes a script file in the engine.
func (e *Engine) LoadFile(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), MaxExecutionTime)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	if err := e.L.DoFile(path); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script %s timed out after %v", path, MaxExecutionTime)
		}
		return err
	}
	return nil
}

// AddModulePath appends dir to package.path so require can resolve modules
// shipped alongside an addon.
func (e *Engine) AddModulePath(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	path, ok := pkg.RawGetString("path").(lua.LString)
	if !ok {
		return
	}
	entry := filepath.Join(dir, "?.lua")
	if strings.Contains(string(path), entry) {
		return
	}
	pkg.RawSetString("path", lua.LString(string(path)+";"+entry))
}

// InvalidateModule drops a module from package.loaded so the next require
// re-reads it from disk. Used when a script file changes on disk.
func (e *Engine) InvalidateModule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pkg, ok := e.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	loaded, ok := pkg.RawGetString("loaded").(*lua.LTable)
	if !ok {
		return
	}
	loaded.RawSetString(name, lua.LNil)
}

// protectedCall invokes fn with errors trapped and a deadline attached.
// nret values are left on the stack on success; on failure the stack is
// restored, so both paths leave it balanced. Callers must hold e.mu.
func (e *Engine) protectedCall(fn *lua.LFunction, nret int, args ...lua.LValue) error {
	ctx, cancel := context.WithTimeout(context.Background(), MaxExecutionTime)
	defer cancel()
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	err := e.L.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("script call timed out after %v", MaxExecutionTime)
		}
		return err
	}
	return nil
}
