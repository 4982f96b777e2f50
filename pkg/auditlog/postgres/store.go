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

// Package postgres backs auditlog.Store with the audit_entries table.
// The chain discipline is identical to the in-memory store: appends
// are serialized under one exclusive lock, a commit sequence number
// fixes the chain order, and nothing in this package ever issues an
// UPDATE or DELETE against audit_entries.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
)

// Store implements auditlog.Store over PostgreSQL. One Store instance
// must be the only writer to its table; the seq column records the
// commit order a second reader can rely on.
type Store struct {
	db *sqlx.DB

	// appendMu serializes the read-tail/compute-hash/insert critical
	// section. Row locks alone can't do this: two appends must never
	// observe the same tail hash.
	appendMu sync.Mutex

	exportGroup singleflight.Group
	now         func() time.Time
}

// NewStore wraps db, which the caller connects via the pgx stdlib
// driver (sqlx.Connect("pgx", url)).
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the store's notion of "now" for deterministic
// tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// entryRow is the audit_entries table layout.
type entryRow struct {
	Seq            int64          `db:"seq"`
	ID             uuid.UUID      `db:"id"`
	Timestamp      time.Time      `db:"ts"`
	Action         string         `db:"action"`
	EntityType     string         `db:"entity_type"`
	EntityID       uuid.UUID      `db:"entity_id"`
	UserID         *uuid.UUID     `db:"user_id"`
	AgentID        sql.NullString `db:"agent_id"`
	Details        []byte         `db:"details"`
	SourceDocument []byte         `db:"source_document"`
	Hash           string         `db:"hash"`
	PreviousHash   sql.NullString `db:"previous_hash"`
}

func (r entryRow) toEntry() (auditlog.Entry, error) {
	e := auditlog.Entry{
		ID:           r.ID,
		Timestamp:    r.Timestamp.UTC(),
		Action:       r.Action,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		UserID:       r.UserID,
		AgentID:      r.AgentID.String,
		Hash:         r.Hash,
		PreviousHash: r.PreviousHash.String,
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &e.Details); err != nil {
			return auditlog.Entry{}, fmt.Errorf("failed to decode details for audit entry %s: %w", r.ID, err)
		}
	}
	if len(r.SourceDocument) > 0 {
		var doc auditlog.SourceDocument
		if err := json.Unmarshal(r.SourceDocument, &doc); err != nil {
			return auditlog.Entry{}, fmt.Errorf("failed to decode source document for audit entry %s: %w", r.ID, err)
		}
		e.SourceDocument = &doc
	}
	return e, nil
}

const insertEntry = `
INSERT INTO audit_entries (id, ts, action, entity_type, entity_id, user_id, agent_id, details, source_document, hash, previous_hash)
VALUES (:id, :ts, :action, :entity_type, :entity_id, :user_id, :agent_id, :details, :source_document, :hash, :previous_hash)`

// Append reads the tail hash, builds and links the next entry, and
// inserts it, all under the store's exclusive append lock.
func (s *Store) Append(ctx context.Context, action, entityType string, entityID uuid.UUID, details map[string]interface{}, source *auditlog.SourceDocument, actor auditlog.Actor) (auditlog.Entry, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var previousHash string
	err := s.db.GetContext(ctx, &previousHash, `SELECT hash FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if err != nil && err != sql.ErrNoRows {
		return auditlog.Entry{}, coreerrors.New(coreerrors.KindResource, "failed to read audit log tail").WithCause(err)
	}

	entry := auditlog.Entry{
		ID:             uuid.New(),
		Timestamp:      s.now().UTC(),
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		UserID:         actor.UserID,
		AgentID:        actor.AgentID,
		Details:        details,
		SourceDocument: source,
		PreviousHash:   previousHash,
	}
	entry.Hash = auditlog.ChainHash(entry.ID, entry.Timestamp, action, entityType, entityID, details, previousHash)

	row := entryRow{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     actor.UserID,
		Hash:       entry.Hash,
	}
	if actor.AgentID != "" {
		row.AgentID = sql.NullString{String: actor.AgentID, Valid: true}
	}
	if previousHash != "" {
		row.PreviousHash = sql.NullString{String: previousHash, Valid: true}
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return auditlog.Entry{}, coreerrors.New(coreerrors.KindInput, "audit details are not serializable").WithCause(err)
		}
		row.Details = b
	}
	if source != nil {
		b, err := json.Marshal(source)
		if err != nil {
			return auditlog.Entry{}, coreerrors.New(coreerrors.KindInput, "audit source document is not serializable").WithCause(err)
		}
		row.SourceDocument = b
	}

	if _, err := s.db.NamedExecContext(ctx, insertEntry, row); err != nil {
		return auditlog.Entry{}, coreerrors.New(coreerrors.KindResource, "failed to insert audit entry").WithCause(err)
	}
	return entry, nil
}

// Get returns a single entry by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (auditlog.Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM audit_entries WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return auditlog.Entry{}, auditlog.NotFoundErr(id)
	}
	if err != nil {
		return auditlog.Entry{}, coreerrors.New(coreerrors.KindResource, "failed to read audit entry").WithCause(err)
	}
	return row.toEntry()
}

// List returns one page of entries matching filter, in append order.
func (s *Store) List(ctx context.Context, filter auditlog.Filter, page, pageSize int) (auditlog.Page, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}

	where, args := filterClause(filter)

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_entries`+where, args...); err != nil {
		return auditlog.Page{}, coreerrors.New(coreerrors.KindResource, "failed to count audit entries").WithCause(err)
	}

	query := fmt.Sprintf(`SELECT * FROM audit_entries%s ORDER BY seq LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return auditlog.Page{}, coreerrors.New(coreerrors.KindResource, "failed to list audit entries").WithCause(err)
	}

	entries, err := toEntries(rows)
	if err != nil {
		return auditlog.Page{}, err
	}
	return auditlog.Page{
		Entries:    entries,
		TotalCount: total,
		PageSize:   pageSize,
		PageNumber: page,
	}, nil
}

func filterClause(filter auditlog.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		conds = append(conds, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

func toEntries(rows []entryRow) ([]auditlog.Entry, error) {
	entries := make([]auditlog.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// EntityTrail returns every entry for (entityType, entityID) in
// timestamp-ascending order.
func (s *Store) EntityTrail(ctx context.Context, entityType string, entityID uuid.UUID) ([]auditlog.Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_entries WHERE entity_type = $1 AND entity_id = $2 ORDER BY ts, id`,
		entityType, entityID)
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindResource, "failed to read entity trail").WithCause(err)
	}
	return toEntries(rows)
}

// VerifyRange recomputes each entry's hash in [from, to] against its
// immediate predecessor's stored hash. Ordering is by timestamp
// ascending, id as tie-breaker, so the chain order is unambiguous
// even when two entries share a timestamp.
func (s *Store) VerifyRange(ctx context.Context, from, to time.Time) (auditlog.VerificationResult, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM audit_entries WHERE ts >= $1 AND ts <= $2 ORDER BY ts, id`,
		from, to)
	if err != nil {
		return auditlog.VerificationResult{}, coreerrors.New(coreerrors.KindResource, "failed to scan audit range").WithCause(err)
	}

	entries, err := toEntries(rows)
	if err != nil {
		return auditlog.VerificationResult{}, err
	}

	var brokenLinks []uuid.UUID
	var previousHash string
	for i, e := range entries {
		expected := previousHash
		if i == 0 {
			// The range's first entry may have a predecessor outside
			// the range; its stored previous_hash stands in for it.
			expected = e.PreviousHash
		}
		if !auditlog.VerifyEntry(e, expected) {
			brokenLinks = append(brokenLinks, e.ID)
		}
		previousHash = e.Hash
	}

	result := auditlog.VerificationResult{
		IsValid:         len(brokenLinks) == 0,
		EntriesVerified: len(entries),
		BrokenLinks:     brokenLinks,
	}
	if len(entries) > 0 {
		result.FirstEntryTime = entries[0].Timestamp
		result.LastEntryTime = entries[len(entries)-1].Timestamp
	}
	return result, nil
}

// Export counts the matching entries and returns a download
// reference; the bytes themselves are generated out of band.
// Concurrent calls with an identical filter/range/format collapse
// into one pass via singleflight.
func (s *Store) Export(ctx context.Context, filter auditlog.Filter, from, to time.Time, format string) (auditlog.ExportReference, error) {
	if format == "" {
		format = "json"
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%s", filter.Action, filter.EntityType, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), format)

	v, err, _ := s.exportGroup.Do(key, func() (interface{}, error) {
		where, args := filterClause(filter)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		args = append(args, from, to)
		query := fmt.Sprintf(`SELECT COUNT(*) FROM audit_entries%s ts >= $%d AND ts <= $%d`, where, len(args)-1, len(args))

		var count int
		if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
			return nil, coreerrors.New(coreerrors.KindResource, "failed to count export entries").WithCause(err)
		}

		exportID := uuid.New()
		return auditlog.ExportReference{
			ExportID: exportID,
			Count:    count,
			Format:   format,
			URL:      fmt.Sprintf("/exports/%s.%s", exportID, format),
		}, nil
	})
	if err != nil {
		return auditlog.ExportReference{}, err
	}
	return v.(auditlog.ExportReference), nil
}
