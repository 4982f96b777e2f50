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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
	"github.com/jordigilh/compliance-campaign-engine/pkg/workflow"
)

func postJSON(handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	b, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func patchJSON(handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	b, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	req := httptest.NewRequest(http.MethodPatch, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(rec *httptest.ResponseRecorder, dst interface{}) {
	Expect(json.Unmarshal(rec.Body.Bytes(), dst)).To(Succeed())
}

var _ = Describe("Campaign endpoints", func() {
	var (
		handler http.Handler
		engine  *workflow.Engine
	)

	createBody := func(supplierCount int) map[string]interface{} {
		ids := make([]string, 0, supplierCount)
		for i := 0; i < supplierCount; i++ {
			ids = append(ids, uuid.New().String())
		}
		return map[string]interface{}{
			"client_id":    uuid.New().String(),
			"name":         "PFAS reporting wave 1",
			"supplier_ids": ids,
			"deadline":     time.Now().UTC().Add(30 * 24 * time.Hour).Format(time.RFC3339),
		}
	}

	BeforeEach(func() {
		engine = workflow.NewEngine(
			auditlog.NewMemoryStore(),
			workflow.WithMetrics(workflow.NewMetricsWithRegisterer(prometheus.NewRegistry())),
		)
		handler = New(engine, auditlog.NewMemoryStore(), logr.Discard()).Router()
	})

	It("creates a campaign and lists its tasks", func() {
		rec := postJSON(handler, "/api/v1/campaigns", createBody(3))
		Expect(rec.Code).To(Equal(http.StatusCreated))

		var campaign struct {
			ID    string `json:"ID"`
			State string `json:"State"`
		}
		decodeBody(rec, &campaign)
		Expect(campaign.State).To(Equal("active"))

		rec = get(handler, "/api/v1/campaigns/"+campaign.ID+"/tasks")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var tasks struct {
			Tasks []struct {
				Kind     string `json:"Kind"`
				Priority int    `json:"Priority"`
			} `json:"tasks"`
		}
		decodeBody(rec, &tasks)
		Expect(tasks.Tasks).To(HaveLen(3))
		for _, t := range tasks.Tasks {
			Expect(t.Kind).To(Equal("initial_outreach"))
			Expect(t.Priority).To(Equal(100))
		}
	})

	It("rejects a past deadline with 400", func() {
		body := createBody(1)
		body["deadline"] = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
		rec := postJSON(handler, "/api/v1/campaigns", body)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a malformed deadline with 400", func() {
		body := createBody(1)
		body["deadline"] = "next tuesday"
		rec := postJSON(handler, "/api/v1/campaigns", body)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for an unknown campaign", func() {
		rec := get(handler, "/api/v1/campaigns/"+uuid.New().String())
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 400 for a malformed campaign id in the path", func() {
		rec := get(handler, "/api/v1/campaigns/not-a-uuid")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 400 for an unknown status tag", func() {
		rec := postJSON(handler, "/api/v1/campaigns", createBody(1))
		var campaign struct {
			ID string `json:"ID"`
		}
		decodeBody(rec, &campaign)

		rec = patchJSON(handler, "/api/v1/campaigns/"+campaign.ID+"/status", map[string]string{"status": "hibernating"})
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 409 when reactivating a cancelled campaign", func() {
		rec := postJSON(handler, "/api/v1/campaigns", createBody(2))
		var campaign struct {
			ID string `json:"ID"`
		}
		decodeBody(rec, &campaign)

		rec = postJSON(handler, "/api/v1/campaigns/"+campaign.ID+"/cancel", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		rec = patchJSON(handler, "/api/v1/campaigns/"+campaign.ID+"/status", map[string]string{"status": "active"})
		Expect(rec.Code).To(Equal(http.StatusConflict))
	})
})

var _ = Describe("Audit endpoints", func() {
	var handler http.Handler

	BeforeEach(func() {
		engine := workflow.NewEngine(
			auditlog.NewMemoryStore(),
			workflow.WithMetrics(workflow.NewMetricsWithRegisterer(prometheus.NewRegistry())),
		)
		handler = New(engine, auditlog.NewMemoryStore(), logr.Discard()).Router()
	})

	appendEntry := func(n int) {
		rec := postJSON(handler, "/api/v1/audit", map[string]interface{}{
			"action":      "SupplierResponseReceived",
			"entity_type": "Supplier",
			"entity_id":   uuid.New().String(),
			"details":     map[string]interface{}{"n": n},
		})
		Expect(rec.Code).To(Equal(http.StatusCreated))
	}

	It("appends entries and verifies the chain over HTTP", func() {
		for i := 1; i <= 3; i++ {
			appendEntry(i)
		}

		rec := get(handler, "/api/v1/audit/verify")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var result struct {
			IsValid         bool `json:"IsValid"`
			EntriesVerified int  `json:"EntriesVerified"`
		}
		decodeBody(rec, &result)
		Expect(result.IsValid).To(BeTrue())
		Expect(result.EntriesVerified).To(Equal(3))
	})

	It("pages the audit list", func() {
		for i := 1; i <= 5; i++ {
			appendEntry(i)
		}

		rec := get(handler, "/api/v1/audit?page=1&page_size=2")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var page struct {
			Entries    []json.RawMessage `json:"Entries"`
			TotalCount int               `json:"TotalCount"`
		}
		decodeBody(rec, &page)
		Expect(page.Entries).To(HaveLen(2))
		Expect(page.TotalCount).To(Equal(5))
	})

	It("returns an export reference", func() {
		appendEntry(1)
		rec := postJSON(handler, "/api/v1/audit/export", map[string]string{
			"from": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
			"to":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		})
		Expect(rec.Code).To(Equal(http.StatusAccepted))

		var ref struct {
			Count  int    `json:"Count"`
			Format string `json:"Format"`
			URL    string `json:"URL"`
		}
		decodeBody(rec, &ref)
		Expect(ref.Count).To(Equal(1))
		Expect(ref.Format).To(Equal("json"))
		Expect(ref.URL).NotTo(BeEmpty())
	})
})

var _ = Describe("BOM upload endpoint", func() {
	var handler http.Handler

	BeforeEach(func() {
		engine := workflow.NewEngine(
			auditlog.NewMemoryStore(),
			workflow.WithMetrics(workflow.NewMetricsWithRegisterer(prometheus.NewRegistry())),
		)
		handler = New(engine, auditlog.NewMemoryStore(), logr.Discard()).Router()
	})

	upload := func(filename, contentType, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bom/upload?filename="+filename, strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	It("parses a CSV and merges duplicate suppliers", func() {
		csv := "supplier,part_number,cas_number\nAcme Corp,PN-001,7732-18-5\nACME CORP,PN-002,7647-14-5"
		rec := upload("bom.csv", "text/csv", csv)
		Expect(rec.Code).To(Equal(http.StatusOK), rec.Body.String())

		var resp struct {
			Extraction struct {
				Suppliers []struct {
					Name       string `json:"Name"`
					Components []struct {
						PartNumber string `json:"PartNumber"`
					} `json:"Components"`
				} `json:"Suppliers"`
				DuplicateCount int `json:"DuplicateCount"`
			} `json:"extraction"`
		}
		decodeBody(rec, &resp)
		Expect(resp.Extraction.Suppliers).To(HaveLen(1))
		Expect(resp.Extraction.Suppliers[0].Name).To(Equal("Acme Corp"))
		Expect(resp.Extraction.Suppliers[0].Components).To(HaveLen(2))
		Expect(resp.Extraction.DuplicateCount).To(Equal(1))
	})

	It("rejects an unrecognized extension with 400", func() {
		rec := upload("bom.pdf", "", "whatever")
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("requires the filename parameter", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/bom/upload", strings.NewReader("x"))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})
})

var _ = Describe("Health and metrics", func() {
	It("serves a liveness check and the metrics endpoint", func() {
		engine := workflow.NewEngine(
			auditlog.NewMemoryStore(),
			workflow.WithMetrics(workflow.NewMetricsWithRegisterer(prometheus.NewRegistry())),
		)
		handler := New(engine, auditlog.NewMemoryStore(), logr.Discard()).Router()

		rec := get(handler, "/healthz")
		Expect(rec.Code).To(Equal(http.StatusOK))

		rec = get(handler, "/metrics")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("go_goroutines"))
	})
})
