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

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
	"github.com/jordigilh/compliance-campaign-engine/pkg/bomingest"
	"github.com/jordigilh/compliance-campaign-engine/pkg/supplierextract"
	"github.com/jordigilh/compliance-campaign-engine/pkg/workflow"
)

type createCampaignRequest struct {
	ClientID    string   `json:"client_id" validate:"required,uuid"`
	Name        string   `json:"name" validate:"required,max=256"`
	SupplierIDs []string `json:"supplier_ids" validate:"required,min=1,dive,uuid"`
	Deadline    string   `json:"deadline" validate:"required"`

	MaxFollowUps            *int  `json:"max_follow_ups" validate:"omitempty,gte=0"`
	FollowUpIntervalDays    *int  `json:"follow_up_interval_days" validate:"omitempty,gte=1"`
	AutoEscalate            *bool `json:"auto_escalate"`
	EscalationThresholdDays *int  `json:"escalation_threshold_days" validate:"omitempty,gte=1"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

type completeTaskRequest struct {
	Result            map[string]interface{} `json:"result"`
	CompliantResponse bool                   `json:"compliant_response"`
}

type resolveEscalationRequest struct {
	Resolution string `json:"resolution" validate:"required"`
}

type appendAuditRequest struct {
	Action     string                 `json:"action" validate:"required"`
	EntityType string                 `json:"entity_type" validate:"required"`
	EntityID   string                 `json:"entity_id" validate:"required,uuid"`
	Details    map[string]interface{} `json:"details"`
	UserID     string                 `json:"user_id" validate:"omitempty,uuid"`
	AgentID    string                 `json:"agent_id"`

	SourceDocument *sourceDocumentRequest `json:"source_document"`
}

type sourceDocumentRequest struct {
	DocumentID  string `json:"document_id" validate:"required,uuid"`
	Filename    string `json:"filename" validate:"required"`
	ContentHash string `json:"content_hash" validate:"required"`
}

type exportAuditRequest struct {
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	From       string `json:"from" validate:"required"`
	To         string `json:"to" validate:"required"`
	Format     string `json:"format"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if !s.decode(w, r, &req) {
		return
	}

	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		s.writeError(w, coreerrors.New(coreerrors.KindInput, "deadline must be an RFC 3339 timestamp").WithField("deadline"))
		return
	}

	supplierIDs := make([]uuid.UUID, 0, len(req.SupplierIDs))
	for _, raw := range req.SupplierIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, coreerrors.New(coreerrors.KindInput, "supplier id is not a valid identifier").WithField("supplier_ids"))
			return
		}
		supplierIDs = append(supplierIDs, id)
	}

	input := workflow.CreateCampaignInput{
		ClientID:    uuid.MustParse(req.ClientID),
		Name:        req.Name,
		SupplierIDs: supplierIDs,
		Deadline:    deadline,
	}
	if req.MaxFollowUps != nil || req.FollowUpIntervalDays != nil || req.AutoEscalate != nil || req.EscalationThresholdDays != nil {
		cfg := workflow.DefaultConfig()
		if req.MaxFollowUps != nil {
			cfg.MaxFollowUps = *req.MaxFollowUps
		}
		if req.FollowUpIntervalDays != nil {
			cfg.FollowUpIntervalDays = *req.FollowUpIntervalDays
		}
		if req.AutoEscalate != nil {
			cfg.AutoEscalate = *req.AutoEscalate
		}
		if req.EscalationThresholdDays != nil {
			cfg.EscalationThresholdDays = *req.EscalationThresholdDays
		}
		input.Config = &cfg
	}

	campaign, err := s.engine.CreateCampaign(r.Context(), input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": s.engine.ListCampaigns()})
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaignID")
	if !ok {
		return
	}
	campaign, err := s.engine.GetCampaign(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleUpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaignID")
	if !ok {
		return
	}
	var req updateStatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	target, err := workflow.ParseCampaignState(req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	campaign, err := s.engine.UpdateCampaignStatus(r.Context(), id, target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaignID")
	if !ok {
		return
	}
	campaign, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleListCampaignTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "campaignID")
	if !ok {
		return
	}
	if _, err := s.engine.GetCampaign(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.engine.ListTasks(id)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.engine.GetTask(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.engine.StartTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	var req completeTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	task, err := s.engine.CompleteTask(r.Context(), id, req.Result, req.CompliantResponse)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "taskID")
	if !ok {
		return
	}
	task, err := s.engine.RetryTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	campaignID := uuid.Nil
	if raw := r.URL.Query().Get("campaign_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, coreerrors.New(coreerrors.KindInput, "campaign_id is not a valid identifier").WithField("campaign_id"))
			return
		}
		campaignID = id
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"escalations": s.engine.ListEscalations(campaignID)})
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "escalationID")
	if !ok {
		return
	}
	var req resolveEscalationRequest
	if !s.decode(w, r, &req) {
		return
	}
	esc, err := s.engine.ResolveEscalation(r.Context(), id, req.Resolution)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleAppendAudit(w http.ResponseWriter, r *http.Request) {
	var req appendAuditRequest
	if !s.decode(w, r, &req) {
		return
	}

	var actor auditlog.Actor
	if req.UserID != "" {
		id := uuid.MustParse(req.UserID)
		actor.UserID = &id
	}
	actor.AgentID = req.AgentID

	var source *auditlog.SourceDocument
	if req.SourceDocument != nil {
		docID, err := uuid.Parse(req.SourceDocument.DocumentID)
		if err != nil {
			s.writeError(w, coreerrors.New(coreerrors.KindInput, "document id is not a valid identifier").WithField("source_document.document_id"))
			return
		}
		source = &auditlog.SourceDocument{
			DocumentID:  docID,
			Filename:    req.SourceDocument.Filename,
			ContentHash: req.SourceDocument.ContentHash,
		}
	}

	entry, err := s.audit.Append(r.Context(), req.Action, req.EntityType, uuid.MustParse(req.EntityID), req.Details, source, actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intQuery(q.Get("page"), 1)
	pageSize := intQuery(q.Get("page_size"), 50)
	filter := auditlog.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
	}

	result, err := s.audit.List(r.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "entryID")
	if !ok {
		return
	}
	entry, err := s.audit.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleEntityTrail(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "entityType")
	id, ok := s.pathID(w, r, "entityID")
	if !ok {
		return
	}
	trail, err := s.audit.EntityTrail(r.Context(), entityType, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": trail})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.audit.VerifyRange(r.Context(), from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	var req exportAuditRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, to, err := timeRange(req.From, req.To)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref, err := s.audit.Export(r.Context(), auditlog.Filter{Action: req.Action, EntityType: req.EntityType}, from, to, req.Format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ref)
}

// handleUploadBom ingests a BOM, extracts suppliers, and returns both
// alongside a validation summary, so one upload round-trip gives the
// caller everything needed to start a campaign.
func (s *Server) handleUploadBom(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		s.writeError(w, coreerrors.New(coreerrors.KindInput, "filename query parameter is required").WithField("filename"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, s.maxRequestSize))
	if err != nil {
		s.writeError(w, coreerrors.New(coreerrors.KindResource, "failed to read upload body").WithCause(err))
		return
	}

	format, err := bomingest.DetectFormat(filename, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	bom, err := bomingest.Parse(filename, data, format)
	if err != nil {
		s.writeError(w, err)
		return
	}

	extraction := supplierextract.Extract(bom, supplierextract.DefaultOptions())
	summary := bomingest.Validate(bom, bomingest.DefaultOptions())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bom":        bom,
		"extraction": extraction,
		"validation": summary,
	})
}

// decode reads, unmarshals, and validates a JSON request body,
// writing the 400 itself when any step fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := io.LimitReader(r.Body, s.maxRequestSize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeError(w, coreerrors.New(coreerrors.KindInput, "request body is not valid JSON").WithCause(err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, coreerrors.New(coreerrors.KindInput, "request validation failed").WithCause(err))
		return false
	}
	return true
}

// pathID parses the named chi URL parameter as a canonical identifier,
// writing the 400 itself on failure.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		s.writeError(w, coreerrors.New(coreerrors.KindInput, "identifier in path is malformed").WithField(name))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := coreerrors.HTTPStatus(coreerrors.KindOf(err))
	if coreerrors.IsNotFound(err) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		s.log.Error(err, "request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(coreerrors.KindOf(err)),
			"message": err.Error(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func timeRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC().Add(24 * time.Hour)
	if fromRaw != "" {
		t, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, coreerrors.New(coreerrors.KindInput, "from must be an RFC 3339 timestamp").WithField("from")
		}
		from = t
	}
	if toRaw != "" {
		t, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, coreerrors.New(coreerrors.KindInput, "to must be an RFC 3339 timestamp").WithField("to")
		}
		to = t
	}
	return from, to, nil
}
