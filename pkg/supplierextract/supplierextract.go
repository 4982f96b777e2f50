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

// Package supplierextract deduplicates suppliers out of a parsed BOM,
// merging every row that names the same supplier (under a
// normalization that tolerates casing, trailing corporate suffixes,
// and whitespace differences) into one ExtractedSupplier. It is
// purely functional: no I/O, no shared state.
package supplierextract

import (
	"fmt"
	"strings"

	"github.com/jordigilh/compliance-campaign-engine/pkg/bomingest"
)

// Component is one part/chemical line item attributed to a supplier.
type Component struct {
	PartNumber   string
	Description  string
	MaterialType string
	CASNumbers   []string
	SourceRow    int
}

// Supplier is a deduplicated supplier with every component extracted
// from the rows that named it.
type Supplier struct {
	Name          string
	Email         string
	ContactPerson string
	Components    []Component
	SourceRows    []int
	IsComplete    bool
	MissingFields []string
}

// Result is the outcome of extracting suppliers from a ParsedBom.
type Result struct {
	Suppliers       []Supplier
	CompleteCount   int
	IncompleteCount int
	DuplicateCount  int
	Warnings        []string
}

// Options tunes which fields a supplier must carry to be considered
// complete (eligible for outreach without a manual follow-up).
type Options struct {
	RequireEmail   bool
	RequireContact bool
}

// DefaultOptions requires an email address but not a named contact,
// matching the engine's outreach precondition.
func DefaultOptions() Options {
	return Options{RequireEmail: true, RequireContact: false}
}

// companySuffixes are stripped from the end of a normalized supplier
// name before deduplication. At most one is removed, so "Acme Corp
// Inc." normalizes to "acme corp".
var companySuffixes = []string{" inc.", " inc", " llc", " ltd.", " ltd", " corp.", " corp", " co.", " co"}

// NormalizeName lowercases name, collapses internal whitespace, and
// strips a single trailing corporate suffix, so "ACME  Corp." and
// "acme" compare equal for deduplication.
func NormalizeName(name string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	for _, suffix := range companySuffixes {
		if strings.HasSuffix(normalized, suffix) {
			normalized = normalized[:len(normalized)-len(suffix)]
			break
		}
	}
	return normalized
}

// Extract deduplicates suppliers out of bom's rows.
func Extract(bom *bomingest.ParsedBom, opts Options) Result {
	index := make(map[string]int)
	var suppliers []Supplier
	var warnings []string
	duplicateCount := 0

	for _, row := range bom.Rows {
		if row.SupplierName == "" {
			warnings = append(warnings, fmt.Sprintf("row %d: missing supplier name, skipped", row.RowNumber))
			continue
		}

		key := NormalizeName(row.SupplierName)
		component, hasComponent := extractComponent(row)

		if i, ok := index[key]; ok {
			duplicateCount++
			existing := &suppliers[i]
			existing.SourceRows = append(existing.SourceRows, row.RowNumber)
			if hasComponent {
				existing.Components = append(existing.Components, component)
			}
			if existing.Email == "" && row.SupplierEmail != "" {
				existing.Email = row.SupplierEmail
			}
			if existing.ContactPerson == "" && row.ContactPerson != "" {
				existing.ContactPerson = row.ContactPerson
			}
			continue
		}

		s := Supplier{
			Name:          row.SupplierName,
			Email:         row.SupplierEmail,
			ContactPerson: row.ContactPerson,
			SourceRows:    []int{row.RowNumber},
		}
		if hasComponent {
			s.Components = append(s.Components, component)
		}
		index[key] = len(suppliers)
		suppliers = append(suppliers, s)
	}

	// Completeness is judged after merging, so a field filled in from
	// a later duplicate row counts.
	complete := 0
	for i := range suppliers {
		s := &suppliers[i]
		var missing []string
		if opts.RequireEmail && s.Email == "" {
			missing = append(missing, "email")
		}
		if opts.RequireContact && s.ContactPerson == "" {
			missing = append(missing, "contact_person")
		}
		s.IsComplete = len(missing) == 0
		s.MissingFields = missing
		if s.IsComplete {
			complete++
		}
	}

	return Result{
		Suppliers:       suppliers,
		CompleteCount:   complete,
		IncompleteCount: len(suppliers) - complete,
		DuplicateCount:  duplicateCount,
		Warnings:        warnings,
	}
}

func extractComponent(row bomingest.Row) (Component, bool) {
	if row.PartNumber == "" {
		return Component{}, false
	}
	return Component{
		PartNumber:   row.PartNumber,
		Description:  row.Description,
		MaterialType: row.MaterialType,
		CASNumbers:   row.CASNumbers,
		SourceRow:    row.RowNumber,
	}, true
}
