package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go-ephemeris/ephem"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/cors"            // For CORS handling
)

// db is the global database connection
var db *sql.DB

// manager holds all loaded scripted rotation models
var manager *ModelManager

// scriptWatcher reloads models when their scripts change
var scriptWatcher *ScriptWatcher

// main is the entry point of the application
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if os.Getenv("EPHEMERIS_NO_SCRIPTING") != "" {
		log.Println("Scripting disabled by EPHEMERIS_NO_SCRIPTING")
		ephem.SetDisabled(true)
	}

	// Initialize the database
	var err error
	db, err = initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Rebuild registered models from the database
	manager = NewModelManager(db)
	if err := manager.LoadModels(); err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}

	// Start watching addon directories for script changes
	scriptWatcher, err = NewScriptWatcher(manager)
	if err != nil {
		log.Printf("Warning: script watcher unavailable: %v", err)
	} else if err := scriptWatcher.Start(); err != nil {
		log.Printf("Warning: failed to start script watcher: %v", err)
	}

	// Setup router
	mux := http.NewServeMux()
	mux.HandleFunc("/models", handleModels)
	mux.HandleFunc("/model/", handleModel)
	mux.HandleFunc("/orientation/", handleOrientation)
	mux.HandleFunc("/sample/", handleSample)
	mux.HandleFunc("/samples/", handleSamples)

	// Setup CORS
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"}, // Allow any origin
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(mux)

	port := os.Getenv("EPHEMERIS_PORT")
	if port == "" {
		port = "8990"
	}
	log.Printf("Starting server on http://localhost:%s\n", port)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// ModelInfo is the struct for JSON responses describing a model
type ModelInfo struct {
	Name       string  `json:"name"`
	Module     string  `json:"module,omitempty"`
	Function   string  `json:"function"`
	AddonPath  string  `json:"addon_path,omitempty"`
	Status     string  `json:"status"`
	Period     float64 `json:"period"`
	Periodic   bool    `json:"periodic"`
	BeginDate  float64 `json:"begin_date"`
	EndDate    float64 `json:"end_date"`
	ErrorCount int     `json:"error_count"`
}

func modelInfo(m *Model) ModelInfo {
	info := ModelInfo{
		Name:       m.Name,
		Module:     m.Module,
		Function:   m.Function,
		AddonPath:  m.AddonPath,
		Status:     m.Status,
		ErrorCount: m.ErrorCount,
	}
	if m.Rotation != nil {
		info.Period = m.Rotation.Period()
		info.Periodic = m.Rotation.IsPeriodic()
		info.BeginDate, info.EndDate = m.Rotation.ValidRange()
	}
	return info
}

// RegisterRequest is the JSON body accepted by POST /models
type RegisterRequest struct {
	Name      string                 `json:"name"`
	Module    string                 `json:"module"`
	Function  string                 `json:"function"`
	Params    map[string]interface{} `json:"params"`
	AddonPath string                 `json:"addon_path"`
}

// handleModels lists models (GET) or registers a new one (POST)
func handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		models := manager.List()
		infos := make([]ModelInfo, 0, len(models))
		for _, m := range models {
			infos = append(infos, modelInfo(m))
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(infos); err != nil {
			log.Printf("Failed to encode models to JSON: %v\n", err)
		}

	case "POST":
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Name == "" || req.Function == "" {
			http.Error(w, "name and function are required", http.StatusBadRequest)
			return
		}

		model, err := manager.Register(req.Name, req.Module, req.Function, req.Params, req.AddonPath)
		if err != nil {
			log.Printf("Failed to register model %s: %v\n", req.Name, err)
			http.Error(w, fmt.Sprintf("Failed to register model: %v", err), http.StatusUnprocessableEntity)
			return
		}

		if scriptWatcher != nil {
			scriptWatcher.Refresh()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(modelInfo(model))

	default:
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
	}
}

// handleModel handles actions on a single model (GET for info, DELETE for removing)
func handleModel(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/model/")
	if name == "" {
		http.Error(w, "Missing model name", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case "GET":
		model, ok := manager.Get(name)
		if !ok {
			http.Error(w, "Model not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(modelInfo(model))

	case "DELETE":
		if err := manager.Remove(name); err != nil {
			log.Printf("Failed to remove model %s: %v\n", name, err)
			http.Error(w, "Failed to remove model", http.StatusInternalServerError)
			return
		}
		if scriptWatcher != nil {
			scriptWatcher.Refresh()
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Model removed")

	default:
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
	}
}

// OrientationResponse is the struct for JSON orientation results
type OrientationResponse struct {
	Time float64 `json:"time"`
	W    float64 `json:"w"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

// handleOrientation queries a model's orientation at a TDB Julian day
func handleOrientation(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/orientation/")
	model, ok := manager.Get(name)
	if !ok {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}

	tjd, err := strconv.ParseFloat(r.URL.Query().Get("time"), 64)
	if err != nil {
		http.Error(w, "Invalid or missing time parameter", http.StatusBadRequest)
		return
	}

	q := model.Rotation.OrientationAt(tjd)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OrientationResponse{
		Time: tjd,
		W:    q.W,
		X:    q.V[0],
		Y:    q.V[1],
		Z:    q.V[2],
	})
}

// maxSamplesPerRun caps a single sampling request
const maxSamplesPerRun = 10000

// handleSample evaluates a model over a Julian day range and stores the results
func handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/sample/")
	model, ok := manager.Get(name)
	if !ok {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	begin, err1 := strconv.ParseFloat(q.Get("begin"), 64)
	end, err2 := strconv.ParseFloat(q.Get("end"), 64)
	step, err3 := strconv.ParseFloat(q.Get("step"), 64)
	if err1 != nil || err2 != nil || err3 != nil || step <= 0 || end < begin {
		http.Error(w, "Invalid begin/end/step parameters", http.StatusBadRequest)
		return
	}
	if (end-begin)/step+1 > maxSamplesPerRun {
		http.Error(w, fmt.Sprintf("Too many samples requested (max %d)", maxSamplesPerRun), http.StatusBadRequest)
		return
	}

	var results []OrientationResponse
	for tjd := begin; tjd <= end; tjd += step {
		quat := model.Rotation.OrientationAt(tjd)
		sample := OrientationResponse{
			Time: tjd,
			W:    quat.W,
			X:    quat.V[0],
			Y:    quat.V[1],
			Z:    quat.V[2],
		}
		results = append(results, sample)

		if _, err := db.Exec(
			"INSERT INTO samples (model_id, tjd, w, x, y, z) VALUES (?, ?, ?, ?, ?, ?)",
			model.ID, sample.Time, sample.W, sample.X, sample.Y, sample.Z,
		); err != nil {
			log.Printf("Failed to store sample for %s at %g: %v\n", name, tjd, err)
			http.Error(w, "Failed to store samples", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(results)
}

// handleSamples retrieves stored samples for a model
func handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/samples/")
	model, ok := manager.Get(name)
	if !ok {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}

	rows, err := db.Query(`
		SELECT tjd, w, x, y, z FROM samples
		WHERE model_id = ? ORDER BY tjd LIMIT 1000
	`, model.ID)
	if err != nil {
		log.Printf("Failed to query samples: %v\n", err)
		http.Error(w, "Failed to query samples", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var samples []OrientationResponse
	for rows.Next() {
		var s OrientationResponse
		if err := rows.Scan(&s.Time, &s.W, &s.X, &s.Y, &s.Z); err != nil {
			log.Printf("Failed to scan sample row: %v\n", err)
			continue
		}
		samples = append(samples, s)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(samples)
}
