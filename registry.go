package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"go-ephemeris/ephem"
)

const (
	MaxConsecutiveErrors = 3
)

// Model represents a registered scripted rotation model
type Model struct {
	ID         int64
	Name       string
	Module     string
	Function   string
	Params     map[string]interface{}
	AddonPath  string
	Status     string
	ErrorCount int
	Rotation   *ephem.ScriptedRotation
}

// ModelManager manages all scripted rotation models
type ModelManager struct {
	db     *sql.DB
	models map[string]*Model
	mu     sync.RWMutex
}

// NewModelManager creates a new model manager
func NewModelManager(db *sql.DB) *ModelManager {
	return &ModelManager{
		db:     db,
		models: make(map[string]*Model),
	}
}

// LoadModels constructs every registered model from the database. Models
// that repeatedly fail to construct are marked 'error' and skipped.
func (m *ModelManager) LoadModels() error {
	rows, err := m.db.Query(`
		SELECT id, name, module, func_name, params, addon_path, error_count
		FROM models WHERE status != 'error'
	`)
	if err != nil {
		return fmt.Errorf("failed to query models: %w", err)
	}
	defer rows.Close()

	var pending []*Model
	for rows.Next() {
		var model Model
		var module, addonPath sql.NullString
		var paramsJSON string
		if err := rows.Scan(&model.ID, &model.Name, &module, &model.Function, &paramsJSON, &addonPath, &model.ErrorCount); err != nil {
			log.Printf("Failed to scan model row: %v", err)
			continue
		}
		model.Module = module.String
		model.AddonPath = addonPath.String

		if err := json.Unmarshal([]byte(paramsJSON), &model.Params); err != nil {
			log.Printf("Model %s has bad params JSON: %v", model.Name, err)
			m.incrementErrorCount(model.ID)
			continue
		}
		pending = append(pending, &model)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read model rows: %w", err)
	}

	for _, model := range pending {
		if err := m.loadModel(model); err != nil {
			log.Printf("Failed to load model %s: %v", model.Name, err)
			m.incrementErrorCount(model.ID)
			continue
		}
	}

	return nil
}

// loadModel constructs the scripted rotation for a model and registers it
func (m *ModelManager) loadModel(model *Model) error {
	eng, err := ephem.Acquire()
	if err != nil {
		return err
	}

	if model.AddonPath != "" {
		eng.AddModulePath(model.AddonPath)
	}

	rot, err := ephem.NewScriptedRotation(eng, model.Module, model.Function, model.Params, model.AddonPath)
	if err != nil {
		return err
	}
	model.Rotation = rot
	model.Status = "loaded"

	m.mu.Lock()
	m.models[model.Name] = model
	m.mu.Unlock()

	m.resetErrorCount(model.ID)

	log.Printf("Loaded model: %s (function %s)", model.Name, model.Function)
	return nil
}

// Register persists a model definition and constructs it. Re-registering an
// existing name replaces its definition.
func (m *ModelManager) Register(name, module, function string, params map[string]interface{}, addonPath string) (*Model, error) {
	if params == nil {
		params = make(map[string]interface{})
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}

	_, err = m.db.Exec(`
		INSERT INTO models (name, module, func_name, params, addon_path, status)
		VALUES (?, ?, ?, ?, ?, 'loaded')
		ON CONFLICT(name) DO UPDATE SET
			module = excluded.module,
			func_name = excluded.func_name,
			params = excluded.params,
			addon_path = excluded.addon_path,
			status = 'loaded',
			error_count = 0
	`, name, module, function, string(paramsJSON), addonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to register model: %w", err)
	}

	// Query for the ID (LastInsertId returns 0 on upsert update)
	var id int64
	if err := m.db.QueryRow("SELECT id FROM models WHERE name = ?", name).Scan(&id); err != nil {
		return nil, fmt.Errorf("failed to get model ID: %w", err)
	}

	// Release any previous instance of this name before replacing it
	m.mu.Lock()
	if old, ok := m.models[name]; ok && old.Rotation != nil {
		old.Rotation.Release()
		delete(m.models, name)
	}
	m.mu.Unlock()

	model := &Model{
		ID:        id,
		Name:      name,
		Module:    module,
		Function:  function,
		Params:    params,
		AddonPath: addonPath,
	}

	if err := m.loadModel(model); err != nil {
		m.incrementErrorCount(id)
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	return model, nil
}

// Remove releases a model and deletes it completely
func (m *ModelManager) Remove(name string) error {
	m.mu.Lock()
	model, ok := m.models[name]
	if ok {
		if model.Rotation != nil {
			model.Rotation.Release()
		}
		delete(m.models, name)
	}
	m.mu.Unlock()

	// Delete from database (cascades to samples)
	if _, err := m.db.Exec("DELETE FROM models WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}

	if ok {
		log.Printf("Removed model: %s", name)
	}
	return nil
}

// ReloadPath rebuilds every model whose addon path matches dir. Called by
// the script watcher when a .lua file under dir changes.
func (m *ModelManager) ReloadPath(dir string) {
	m.mu.RLock()
	var affected []*Model
	for _, model := range m.models {
		if model.AddonPath == dir {
			affected = append(affected, model)
		}
	}
	m.mu.RUnlock()

	for _, model := range affected {
		if model.Rotation != nil {
			model.Rotation.Release()
		}
		if model.Module != "" {
			if eng, err := ephem.Acquire(); err == nil {
				eng.InvalidateModule(model.Module)
			}
		}

		if err := m.loadModel(model); err != nil {
			log.Printf("Failed to reload model %s: %v", model.Name, err)
			m.mu.Lock()
			delete(m.models, model.Name)
			m.mu.Unlock()
			m.incrementErrorCount(model.ID)
			continue
		}
		log.Printf("Reloaded model: %s", model.Name)
	}
}

// Get returns a loaded model by name
func (m *ModelManager) Get(name string) (*Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.models[name]
	return model, ok
}

// List returns all loaded models
func (m *ModelManager) List() []*Model {
	m.mu.RLock()
	defer m.mu.RUnlock()

	models := make([]*Model, 0, len(m.models))
	for _, model := range m.models {
		models = append(models, model)
	}
	return models
}

// AddonDirs returns the distinct addon directories of all loaded models
func (m *ModelManager) AddonDirs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var dirs []string
	for _, model := range m.models {
		if model.AddonPath != "" && !seen[model.AddonPath] {
			seen[model.AddonPath] = true
			dirs = append(dirs, model.AddonPath)
		}
	}
	return dirs
}

func (m *ModelManager) incrementErrorCount(modelID int64) {
	_, err := m.db.Exec(
		"UPDATE models SET error_count = error_count + 1 WHERE id = ?",
		modelID,
	)
	if err != nil {
		return
	}

	// Check if we need to park the model
	var errorCount int
	if err := m.db.QueryRow("SELECT error_count FROM models WHERE id = ?", modelID).Scan(&errorCount); err != nil {
		log.Printf("Failed to get error count for model %d: %v", modelID, err)
		return
	}

	if errorCount >= MaxConsecutiveErrors {
		m.db.Exec("UPDATE models SET status = 'error' WHERE id = ?", modelID)
		log.Printf("Model %d parked after %d consecutive errors", modelID, errorCount)
	}
}

func (m *ModelManager) resetErrorCount(modelID int64) {
	if _, err := m.db.Exec("UPDATE models SET error_count = 0 WHERE id = ?", modelID); err != nil {
		log.Printf("Failed to reset error count for model %d: %v", modelID, err)
	}
}
