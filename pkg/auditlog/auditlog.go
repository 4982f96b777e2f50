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

// Package auditlog implements the hash-chained, append-only audit
// trail: every entry's hash commits to its predecessor's hash, so a
// verifier can detect tampering anywhere in a range without trusting
// the storage layer.
package auditlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
)

// SourceDocument references the BOM (or other) document an audit
// entry originated from, if any.
type SourceDocument struct {
	DocumentID  uuid.UUID `json:"document_id"`
	Filename    string    `json:"filename"`
	ContentHash string    `json:"content_hash"`
}

// Entry is one immutable, hash-chained audit record. Once returned
// from Append, no field is ever mutated by this package; a Store
// implementation exposes no update or delete operation at all.
type Entry struct {
	ID             uuid.UUID
	Timestamp      time.Time
	Action         string
	EntityType     string
	EntityID       uuid.UUID
	UserID         *uuid.UUID
	AgentID        string
	Details        map[string]interface{}
	SourceDocument *SourceDocument
	Hash           string
	PreviousHash   string
}

// Filter narrows a List or Export query.
type Filter struct {
	Action     string
	EntityType string
}

// Page describes one page of a List result.
type Page struct {
	Entries    []Entry
	TotalCount int
	PageSize   int
	PageNumber int
}

// VerificationResult is the outcome of VerifyRange.
type VerificationResult struct {
	IsValid         bool
	EntriesVerified int
	FirstEntryTime  time.Time
	LastEntryTime   time.Time
	BrokenLinks     []uuid.UUID
}

// ExportReference is a handle to an asynchronously produced export
// artifact.
type ExportReference struct {
	ExportID uuid.UUID
	Count    int
	Format   string
	URL      string
}

// Store is the audit log contract: append-only, totally ordered
// within a single instance, never exposing mutation of a past entry.
type Store interface {
	Append(ctx context.Context, action, entityType string, entityID uuid.UUID, details map[string]interface{}, source *SourceDocument, actor Actor) (Entry, error)
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, filter Filter, page, pageSize int) (Page, error)
	EntityTrail(ctx context.Context, entityType string, entityID uuid.UUID) ([]Entry, error)
	VerifyRange(ctx context.Context, from, to time.Time) (VerificationResult, error)
	Export(ctx context.Context, filter Filter, from, to time.Time, format string) (ExportReference, error)
}

// Actor identifies who or what drove an Append call.
type Actor struct {
	UserID  *uuid.UUID
	AgentID string
}

// canonicalize produces a deterministic byte representation of a
// details map: keys are sorted lexicographically and nested maps are
// walked recursively, so two semantically identical maps always hash
// the same regardless of construction order.
func canonicalize(details map[string]interface{}) []byte {
	return []byte(canonicalValue(details))
}

func canonicalValue(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := "{"
		for i, k := range keys {
			if i > 0 {
				out += ","
			}
			kb, _ := json.Marshal(k)
			out += string(kb) + ":" + canonicalValue(t[k])
		}
		return out + "}"
	case []interface{}:
		out := "["
		for i, e := range t {
			if i > 0 {
				out += ","
			}
			out += canonicalValue(e)
		}
		return out + "]"
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// ChainHash commits an entry to its predecessor:
// hash = hex(SHA256(id || timestamp_rfc3339 || action || entity_type
// || entity_id || canonical(details) || previous_hash)).
func ChainHash(id uuid.UUID, timestamp time.Time, action, entityType string, entityID uuid.UUID, details map[string]interface{}, previousHash string) string {
	h := sha256.New()
	h.Write([]byte(id.String()))
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(action))
	h.Write([]byte(entityType))
	h.Write([]byte(entityID.String()))
	h.Write(canonicalize(details))
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyEntry recomputes entry's hash given the predecessor's stored
// hash and reports whether it still matches. previousHash is "" for a
// genesis entry.
func VerifyEntry(entry Entry, previousHash string) bool {
	expected := ChainHash(entry.ID, entry.Timestamp, entry.Action, entry.EntityType, entry.EntityID, entry.Details, previousHash)
	return expected == entry.Hash
}

// NotFoundErr builds the typed error Get callers expect
// for an unknown audit entry id.
func NotFoundErr(id uuid.UUID) error {
	return coreerrors.NotFound("AuditEntry", id.String())
}
