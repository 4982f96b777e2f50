/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server is the HTTP boundary of the campaign engine: a chi
// router over the workflow engine, the audit log, and BOM ingestion.
// It owns request decoding, validation, and error-to-status mapping;
// all business rules live below it.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
	"github.com/jordigilh/compliance-campaign-engine/pkg/workflow"
)

// Server bundles the handler dependencies behind one chi router.
type Server struct {
	engine   *workflow.Engine
	audit    auditlog.Store
	validate *validator.Validate
	log      logr.Logger

	maxRequestSize int64
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithMaxRequestSize caps request bodies, BOM uploads included
// (default 10 MiB).
func WithMaxRequestSize(n int64) Option { return func(s *Server) { s.maxRequestSize = n } }

// New builds a Server over engine and audit.
func New(engine *workflow.Engine, audit auditlog.Store, log logr.Logger, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		audit:          audit,
		validate:       validator.New(),
		log:            log,
		maxRequestSize: 10 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{campaignID}", s.handleGetCampaign)
			r.Patch("/{campaignID}/status", s.handleUpdateCampaignStatus)
			r.Post("/{campaignID}/cancel", s.handleCancelCampaign)
			r.Get("/{campaignID}/tasks", s.handleListCampaignTasks)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/{taskID}", s.handleGetTask)
			r.Post("/{taskID}/start", s.handleStartTask)
			r.Post("/{taskID}/complete", s.handleCompleteTask)
			r.Post("/{taskID}/retry", s.handleRetryTask)
		})

		r.Route("/escalations", func(r chi.Router) {
			r.Get("/", s.handleListEscalations)
			r.Post("/{escalationID}/resolve", s.handleResolveEscalation)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Post("/", s.handleAppendAudit)
			r.Get("/", s.handleListAudit)
			r.Get("/{entryID}", s.handleGetAudit)
			r.Get("/trail/{entityType}/{entityID}", s.handleEntityTrail)
			r.Get("/verify", s.handleVerifyAudit)
			r.Post("/export", s.handleExportAudit)
		})

		r.Post("/bom/upload", s.handleUploadBom)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
