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

package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
)

var entryColumns = []string{
	"seq", "id", "ts", "action", "entity_type", "entity_id",
	"user_id", "agent_id", "details", "source_document", "hash", "previous_hash",
}

// chainedRow builds a row whose hash genuinely commits to previousHash,
// so VerifyRange exercises the real chain arithmetic, not a stub.
func chainedRow(seq int64, ts time.Time, entityID uuid.UUID, details map[string]interface{}, previousHash string) (auditlog.Entry, []driver.Value) {
	id := uuid.New()
	entry := auditlog.Entry{
		ID:           id,
		Timestamp:    ts,
		Action:       "CampaignCreated",
		EntityType:   "Campaign",
		EntityID:     entityID,
		Details:      details,
		PreviousHash: previousHash,
	}
	entry.Hash = auditlog.ChainHash(id, ts, entry.Action, entry.EntityType, entityID, details, previousHash)

	detailsJSON, _ := json.Marshal(details)
	var prev interface{}
	if previousHash != "" {
		prev = previousHash
	}
	return entry, []driver.Value{seq, id.String(), ts, entry.Action, entry.EntityType, entityID.String(), nil, nil, detailsJSON, nil, entry.Hash, prev}
}

var _ = Describe("Store", func() {
	var (
		mockDB *sql.DB
		mock   sqlmock.Sqlmock
		store  *Store
		ctx    context.Context
		now    time.Time
	)

	BeforeEach(func() {
		var err error
		mockDB, mock, err = sqlmock.New()
		Expect(err).ToNot(HaveOccurred())

		ctx = context.Background()
		now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		store = NewStore(sqlx.NewDb(mockDB, "postgres")).WithClock(func() time.Time { return now })
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
		mockDB.Close()
	})

	Describe("Append", func() {
		It("writes a genesis entry with an empty previous hash", func() {
			mock.ExpectQuery("SELECT hash FROM audit_entries ORDER BY seq DESC").
				WillReturnError(sql.ErrNoRows)
			mock.ExpectExec("INSERT INTO audit_entries").
				WillReturnResult(sqlmock.NewResult(1, 1))

			entry, err := store.Append(ctx, "CampaignCreated", "Campaign", uuid.New(), map[string]interface{}{"name": "PFAS Q1"}, nil, auditlog.Actor{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.PreviousHash).To(BeEmpty())
			Expect(auditlog.VerifyEntry(entry, "")).To(BeTrue())
		})

		It("links a new entry to the stored tail hash", func() {
			tail := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
			mock.ExpectQuery("SELECT hash FROM audit_entries ORDER BY seq DESC").
				WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow(tail))
			mock.ExpectExec("INSERT INTO audit_entries").
				WillReturnResult(sqlmock.NewResult(2, 1))

			entry, err := store.Append(ctx, "TaskCompleted", "Task", uuid.New(), nil, nil, auditlog.Actor{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entry.PreviousHash).To(Equal(tail))
			Expect(auditlog.VerifyEntry(entry, tail)).To(BeTrue())
		})

		It("surfaces a tail read failure as a resource error", func() {
			mock.ExpectQuery("SELECT hash FROM audit_entries ORDER BY seq DESC").
				WillReturnError(sql.ErrConnDone)

			_, err := store.Append(ctx, "CampaignCreated", "Campaign", uuid.New(), nil, nil, auditlog.Actor{})
			Expect(err).To(HaveOccurred())
			Expect(coreerrors.KindOf(err)).To(Equal(coreerrors.KindResource))
		})
	})

	Describe("Get", func() {
		It("returns a typed not-found error for an unknown id", func() {
			id := uuid.New()
			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE id =`).
				WithArgs(id).
				WillReturnError(sql.ErrNoRows)

			_, err := store.Get(ctx, id)
			Expect(err).To(HaveOccurred())
			Expect(coreerrors.IsNotFound(err)).To(BeTrue())
		})

		It("decodes a stored row back into an entry", func() {
			entityID := uuid.New()
			entry, row := chainedRow(1, now, entityID, map[string]interface{}{"n": float64(1)}, "")
			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE id =`).
				WithArgs(entry.ID).
				WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(row...))

			got, err := store.Get(ctx, entry.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.ID).To(Equal(entry.ID))
			Expect(got.Details).To(HaveKeyWithValue("n", float64(1)))
			Expect(got.Hash).To(Equal(entry.Hash))
		})
	})

	Describe("VerifyRange", func() {
		It("reports a fully intact chain as valid", func() {
			entityID := uuid.New()
			e1, r1 := chainedRow(1, now, entityID, map[string]interface{}{"n": float64(1)}, "")
			_, r2 := chainedRow(2, now.Add(time.Second), entityID, map[string]interface{}{"n": float64(2)}, e1.Hash)

			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE ts >=`).
				WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(r1...).AddRow(r2...))

			result, err := store.VerifyRange(ctx, now.Add(-time.Hour), now.Add(time.Hour))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.IsValid).To(BeTrue())
			Expect(result.EntriesVerified).To(Equal(2))
			Expect(result.BrokenLinks).To(BeEmpty())
		})

		It("pinpoints a tampered entry", func() {
			entityID := uuid.New()
			e1, r1 := chainedRow(1, now, entityID, map[string]interface{}{"n": float64(1)}, "")
			e2, r2 := chainedRow(2, now.Add(time.Second), entityID, map[string]interface{}{"n": float64(2)}, e1.Hash)
			// Mutate e2's details out of band: the stored hash no
			// longer matches the recomputed one.
			tampered, _ := json.Marshal(map[string]interface{}{"n": float64(99)})
			r2[8] = tampered

			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE ts >=`).
				WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(r1...).AddRow(r2...))

			result, err := store.VerifyRange(ctx, now.Add(-time.Hour), now.Add(time.Hour))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.IsValid).To(BeFalse())
			Expect(result.BrokenLinks).To(ConsistOf([]uuid.UUID{e2.ID}))
		})
	})

	Describe("List", func() {
		It("pages matching entries with a total count", func() {
			entityID := uuid.New()
			_, r1 := chainedRow(1, now, entityID, nil, "")

			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_entries WHERE action =`).
				WithArgs("CampaignCreated").
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE action =`).
				WithArgs("CampaignCreated", 5, 0).
				WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(r1...))

			page, err := store.List(ctx, auditlog.Filter{Action: "CampaignCreated"}, 1, 5)
			Expect(err).ToNot(HaveOccurred())
			Expect(page.TotalCount).To(Equal(7))
			Expect(page.Entries).To(HaveLen(1))
			Expect(page.PageNumber).To(Equal(1))
		})
	})

	Describe("EntityTrail", func() {
		It("queries by entity and returns timestamp order", func() {
			entityID := uuid.New()
			e1, r1 := chainedRow(1, now, entityID, nil, "")
			_, r2 := chainedRow(2, now.Add(time.Minute), entityID, nil, e1.Hash)

			mock.ExpectQuery(`SELECT \* FROM audit_entries WHERE entity_type =`).
				WithArgs("Campaign", entityID).
				WillReturnRows(sqlmock.NewRows(entryColumns).AddRow(r1...).AddRow(r2...))

			trail, err := store.EntityTrail(ctx, "Campaign", entityID)
			Expect(err).ToNot(HaveOccurred())
			Expect(trail).To(HaveLen(2))
			Expect(trail[0].Timestamp.Before(trail[1].Timestamp)).To(BeTrue())
		})
	})

	Describe("Export", func() {
		It("returns a reference whose URL carries the export id", func() {
			mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_entries WHERE ts >=`).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

			ref, err := store.Export(ctx, auditlog.Filter{}, now.Add(-time.Hour), now, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(ref.Count).To(Equal(42))
			Expect(ref.Format).To(Equal("json"))
			Expect(ref.URL).To(ContainSubstring(ref.ExportID.String()))
		})
	})
})
