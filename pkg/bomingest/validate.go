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

package bomingest

import (
	"fmt"

	"github.com/jordigilh/compliance-campaign-engine/pkg/cas"
)

// Severity classifies a ValidationIssue.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// ValidationIssue is a single defect found in a ParsedBom.
type ValidationIssue struct {
	Severity Severity
	Row      int
	Field    string
	Message  string
}

// ValidationSummary tallies a ParsedBom's defects by category.
type ValidationSummary struct {
	TotalRows         int
	ValidRows         int
	InvalidRows       int
	MissingSuppliers  int
	MissingEmails     int
	MissingParts      int
	InvalidCASNumbers int
}

// ValidationResult is the outcome of running Validate over a
// ParsedBom; it supplements rather than replaces the per-row warnings
// already captured during parsing.
type ValidationResult struct {
	IsValid      bool
	ErrorCount   int
	WarningCount int
	Issues       []ValidationIssue
	Summary      ValidationSummary
}

// Options tunes which fields Validate treats as mandatory.
type Options struct {
	RequireSupplier   bool
	RequireEmail      bool
	RequirePartNumber bool
}

// DefaultOptions mirrors the engine's default ingestion policy: a
// missing supplier name is an error, a missing email or part number a
// warning, and every CAS-shaped token is checked for validity.
func DefaultOptions() Options {
	return Options{
		RequireSupplier:   true,
		RequireEmail:      true,
		RequirePartNumber: true,
	}
}

// Validate inspects bom against opts and reports every defect found.
// It never mutates bom; ingestion already recovered per-row parse
// failures as warnings on ParsedBom.ParseWarnings.
func Validate(bom *ParsedBom, opts Options) ValidationResult {
	var issues []ValidationIssue
	var missingSuppliers, missingEmails, missingParts, invalidCAS, invalidRows int

	for _, row := range bom.Rows {
		if opts.RequireSupplier && row.SupplierName == "" {
			missingSuppliers++
			invalidRows++
			issues = append(issues, ValidationIssue{
				Severity: SeverityError,
				Row:      row.RowNumber,
				Field:    "supplier_name",
				Message:  "missing supplier name",
			})
		}
		if opts.RequireEmail && row.SupplierEmail == "" {
			missingEmails++
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Row:      row.RowNumber,
				Field:    "supplier_email",
				Message:  "missing supplier email",
			})
		}
		if opts.RequirePartNumber && row.PartNumber == "" {
			missingParts++
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Row:      row.RowNumber,
				Field:    "part_number",
				Message:  "missing part number",
			})
		}
		for _, c := range row.CASNumbers {
			if !cas.IsValid(c) {
				invalidCAS++
				issues = append(issues, ValidationIssue{
					Severity: SeverityWarning,
					Row:      row.RowNumber,
					Field:    "cas_number",
					Message:  fmt.Sprintf("invalid CAS number: %s", c),
				})
			}
		}
	}

	errorCount, warningCount := 0, 0
	for _, i := range issues {
		if i.Severity == SeverityError {
			errorCount++
		} else {
			warningCount++
		}
	}

	return ValidationResult{
		IsValid:      errorCount == 0,
		ErrorCount:   errorCount,
		WarningCount: warningCount,
		Issues:       issues,
		Summary: ValidationSummary{
			TotalRows:         bom.TotalRows,
			ValidRows:         bom.TotalRows - invalidRows,
			InvalidRows:       invalidRows,
			MissingSuppliers:  missingSuppliers,
			MissingEmails:     missingEmails,
			MissingParts:      missingParts,
			InvalidCASNumbers: invalidCAS,
		},
	}
}
