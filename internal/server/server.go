// Package server exposes the inference core over HTTP: prediction,
// health, artifact resolution, and the static heatmap mount.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/herdvision/herdvision/internal/artifact"
	"github.com/herdvision/herdvision/internal/checkpoint"
	"github.com/herdvision/herdvision/internal/classmap"
	"github.com/herdvision/herdvision/internal/config"
	"github.com/herdvision/herdvision/internal/gradcam"
	"github.com/herdvision/herdvision/internal/postprocess"
	"github.com/herdvision/herdvision/internal/telemetry"
)

// maxUploadBytes caps the image payload at 10MB.
const maxUploadBytes = 10 << 20

// Server wraps the HTTP components of the inference service.
type Server struct {
	mux       *http.ServeMux
	cfg       *config.Config
	classes   *classmap.Store
	resolver  *checkpoint.Resolver
	generator *gradcam.Generator
	processor *postprocess.Processor
	artifacts *artifact.Resolver
	telemetry *telemetry.Provider
}

// New creates a server with all routes registered.
func New(cfg *config.Config, tel *telemetry.Provider) *Server {
	classes := classmap.NewStore(cfg.Model.ClassMapPath)
	resolver := checkpoint.NewResolver(cfg.Model.CheckpointPath, cfg.Model.AllowUnsafeLoad, classes)

	s := &Server{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		classes:   classes,
		resolver:  resolver,
		generator: gradcam.New(resolver, classes, cfg.Gradcam.OutputDir),
		processor: postprocess.New(
			cfg.Postprocess.Temperature,
			cfg.Postprocess.KeywordBoost,
			cfg.Postprocess.UncertaintyThreshold,
			postprocess.NewTreatmentStore(cfg.Postprocess.TreatmentMapPath),
		),
		artifacts: artifact.NewResolver(
			cfg.Artifacts.ProjectRoot,
			cfg.Artifacts.PublicBaseURL,
			cfg.Artifacts.SamplePath,
			time.Duration(cfg.Artifacts.TimeoutSeconds)*time.Second,
		),
		telemetry: tel,
	}

	// Routes
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/predict", s.handlePredict)
	s.mux.HandleFunc("/resolve", s.handleResolve)
	s.mux.Handle("/gradcams/", http.StripPrefix("/gradcams/",
		http.FileServer(http.Dir(cfg.Gradcam.OutputDir))))

	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start runs the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	log.Printf("Herdvision inference running on %s", addr)
	return http.ListenAndServe(addr, s.mux)
}

// checkSecret enforces the X-Inference-Secret gate. An empty configured
// secret disables the gate (development mode).
func (s *Server) checkSecret(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Server.Secret == "" {
		return true
	}
	if r.Header.Get("X-Inference-Secret") != s.cfg.Server.Secret {
		http.Error(w, "Bad inference secret", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version := gradcam.StubVersion
	degraded := true
	if model, err := s.resolver.Load(); err == nil {
		version = model.Version
		degraded = false
	}

	writeJSON(w, map[string]any{
		"status":        "ok",
		"model_version": version,
		"degraded":      degraded,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkSecret(w, r) {
		return
	}

	// Leave headroom for the multipart framing and text fields.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "upload too large or malformed", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No image uploaded. Provide file multipart.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		http.Error(w, "image exceeds 10MB limit", http.StatusBadRequest)
		return
	}
	if ct := header.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		http.Error(w, "unsupported media type, expected image/*", http.StatusBadRequest)
		return
	}

	img, _, err := image.Decode(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("could not decode image: %v", err), http.StatusBadRequest)
		return
	}

	symptomText := r.FormValue("symptom_text")
	caseID := r.FormValue("case_id")
	subject := parseSubject(r)

	start := time.Now()
	raw := s.generator.Infer(img)
	inferenceMs := float64(time.Since(start).Milliseconds())

	result := s.processor.Process(raw, symptomText, subject, "")
	result.CaseID = caseID
	result.SymptomText = symptomText

	s.telemetry.RecordRequestMetrics("/predict", result.ModelVersion,
		float64(time.Since(start).Milliseconds()), inferenceMs, 0,
		result.ModelVersion == gradcam.StubVersion)

	writeJSON(w, result)
}

type resolveRequest struct {
	Locator string `json:"locator"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkSecret(w, r) {
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		http.Error(w, "missing locator", http.StatusBadRequest)
		return
	}

	body, err := s.artifacts.Resolve(r.Context(), req.Locator)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.Error(w, "artifact not found", http.StatusNotFound)
			return
		}
		http.Error(w, "artifact resolution failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(body))
	if _, err := w.Write(body); err != nil {
		log.Printf("failed to write artifact response: %v", err)
	}
}

// parseSubject extracts the optional animal attributes from the form.
// Unparseable numbers are treated as absent.
func parseSubject(r *http.Request) postprocess.Subject {
	subject := postprocess.Subject{Breed: r.FormValue("breed")}
	if age, err := strconv.ParseFloat(r.FormValue("age"), 64); err == nil {
		subject.Age = age
	}
	if weight, err := strconv.ParseFloat(r.FormValue("weight"), 64); err == nil {
		subject.Weight = &weight
	}
	return subject
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write JSON response: %v", err)
	}
}
