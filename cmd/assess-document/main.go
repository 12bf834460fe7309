package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/docstream/internal/models"
	"github.com/Lllllllleong/docstream/internal/services"
)

var (
	assessInstance *services.AssessFunction
	once           sync.Once
	initErr        error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// "AssessDocument" is the entry point name deployed in GCP.
	functions.HTTP("AssessDocument", handleAssessDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func handleAssessDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		assessInstance, initErr = services.NewAssessFunction(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Assess function initialization failed.", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.AssessDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body.", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.GCSUri == "" {
		http.Error(w, "Bad Request: gcsUri is required", http.StatusBadRequest)
		return
	}

	res, err := assessInstance.Process(r.Context(), &req)
	if err != nil {
		// The specific error is already logged inside Process.
		http.Error(w, "Internal Server Error: assessment failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response.", "error", err)
	}
}
