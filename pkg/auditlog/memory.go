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

package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// MemoryStore is the primary Store implementation: an in-process,
// append-only log guarded by a single exclusive lock, matching the
// container-granularity concurrency model the engine uses for every
// shared resource. It is the reference implementation the postgres
// package's Store is tested against.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	byID    map[uuid.UUID]int

	exportGroup singleflight.Group
}

// NewMemoryStore returns an empty audit log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[uuid.UUID]int),
	}
}

// Append builds and links the next chain entry: under the store's
// exclusive lock, read the tail hash, build the entry, compute its
// hash over the tail hash, and persist.
func (s *MemoryStore) Append(ctx context.Context, action, entityType string, entityID uuid.UUID, details map[string]interface{}, source *SourceDocument, actor Actor) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var previousHash string
	if len(s.entries) > 0 {
		previousHash = s.entries[len(s.entries)-1].Hash
	}

	entry := Entry{
		ID:             uuid.New(),
		Timestamp:      time.Now().UTC(),
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		UserID:         actor.UserID,
		AgentID:        actor.AgentID,
		Details:        details,
		SourceDocument: source,
		PreviousHash:   previousHash,
	}
	entry.Hash = ChainHash(entry.ID, entry.Timestamp, entry.Action, entry.EntityType, entry.EntityID, entry.Details, previousHash)

	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = len(s.entries) - 1

	return entry, nil
}

// Get returns a single entry by id.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[id]
	if !ok {
		return Entry{}, NotFoundErr(id)
	}
	return s.entries[idx], nil
}

// List returns one page of entries matching filter, in stored
// (append) order.
func (s *MemoryStore) List(ctx context.Context, filter Filter, page, pageSize int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pageSize <= 0 {
		pageSize = 50
	}
	if page < 1 {
		page = 1
	}

	var matched []Entry
	for _, e := range s.entries {
		if matches(e, filter) {
			matched = append(matched, e)
		}
	}

	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	return Page{
		Entries:    append([]Entry(nil), matched[start:end]...),
		TotalCount: len(matched),
		PageSize:   pageSize,
		PageNumber: page,
	}, nil
}

func matches(e Entry, filter Filter) bool {
	if filter.Action != "" && e.Action != filter.Action {
		return false
	}
	if filter.EntityType != "" && e.EntityType != filter.EntityType {
		return false
	}
	return true
}

// EntityTrail returns every entry for (entityType, entityID) in
// timestamp-ascending order — the order they were appended in, since
// append order and timestamp order coincide by construction.
func (s *MemoryStore) EntityTrail(ctx context.Context, entityType string, entityID uuid.UUID) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trail []Entry
	for _, e := range s.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			trail = append(trail, e)
		}
	}
	return trail, nil
}

// VerifyRange recomputes each entry's hash in [from, to] against its
// immediate predecessor's stored hash. Ordering is by timestamp
// ascending, id as tie-breaker, so the chain order is unambiguous
// even when two entries share a timestamp.
func (s *MemoryStore) VerifyRange(ctx context.Context, from, to time.Time) (VerificationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := make([]Entry, len(s.entries))
	copy(ordered, s.entries)
	sortByTimestampThenID(ordered)

	var inRange []Entry
	predecessorHash := ""
	for i, e := range ordered {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			if len(inRange) == 0 && i > 0 {
				predecessorHash = ordered[i-1].Hash
			}
			inRange = append(inRange, e)
		}
	}

	// A genesis entry (the very first in the log) is checked against
	// an empty previous_hash; an entry that merely starts a queried
	// range, but had a predecessor in the full log, is checked against
	// that real predecessor's stored hash, not treated as genesis.
	var brokenLinks []uuid.UUID
	previousHash := predecessorHash
	for _, e := range inRange {
		if !VerifyEntry(e, previousHash) {
			brokenLinks = append(brokenLinks, e.ID)
		}
		previousHash = e.Hash
	}

	result := VerificationResult{
		IsValid:         len(brokenLinks) == 0,
		EntriesVerified: len(inRange),
		BrokenLinks:     brokenLinks,
	}
	if len(inRange) > 0 {
		result.FirstEntryTime = inRange[0].Timestamp
		result.LastEntryTime = inRange[len(inRange)-1].Timestamp
	}
	return result, nil
}

func sortByTimestampThenID(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.Timestamp.After(b.Timestamp) || (a.Timestamp.Equal(b.Timestamp) && a.ID.String() > b.ID.String()) {
				entries[j-1], entries[j] = entries[j], entries[j-1]
			} else {
				break
			}
		}
	}
}

// Export produces a download reference. Concurrent calls with an
// identical filter/range/format are deduplicated via singleflight so
// a retry storm from a caller doesn't recompute the same export
// multiple times.
func (s *MemoryStore) Export(ctx context.Context, filter Filter, from, to time.Time, format string) (ExportReference, error) {
	if format == "" {
		format = "json"
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%s", filter.Action, filter.EntityType, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), format)

	v, err, _ := s.exportGroup.Do(key, func() (interface{}, error) {
		s.mu.RLock()
		count := 0
		for _, e := range s.entries {
			if matches(e, filter) && !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
				count++
			}
		}
		s.mu.RUnlock()

		exportID := uuid.New()
		ref := ExportReference{
			ExportID: exportID,
			Count:    count,
			Format:   format,
			URL:      fmt.Sprintf("/exports/%s.%s", exportID, format),
		}
		return ref, nil
	})
	if err != nil {
		return ExportReference{}, err
	}
	return v.(ExportReference), nil
}
