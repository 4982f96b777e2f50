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

// Package bomingest parses bill-of-materials uploads in CSV,
// spreadsheet, and markup (XML) form into a common ParsedBom shape.
// Parsing is purely functional over an input byte buffer: no I/O, no
// shared state, safe to call from any number of goroutines
// concurrently.
package bomingest

import (
	"fmt"
	"path/filepath"
	"strings"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
)

// Format identifies the on-disk shape of a BOM upload.
type Format int

const (
	// FormatUnknown is the zero value; DetectFormat never returns it
	// without also returning an error.
	FormatUnknown Format = iota
	FormatCSV
	FormatSpreadsheet
	FormatMarkup
)

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatSpreadsheet:
		return "spreadsheet"
	case FormatMarkup:
		return "markup"
	default:
		return "unknown"
	}
}

// DetectFormat resolves a Format from an explicit hint (a content-type
// header, typically) or, failing that, the filename extension.
func DetectFormat(filename string, contentTypeHint string) (Format, error) {
	if f := fromContentType(contentTypeHint); f != FormatUnknown {
		return f, nil
	}
	if f := fromExtension(filename); f != FormatUnknown {
		return f, nil
	}
	return FormatUnknown, coreerrors.UnrecognizedFormat(filename)
}

func fromContentType(contentType string) Format {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "text/csv", "application/csv":
		return FormatCSV
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/vnd.ms-excel":
		return FormatSpreadsheet
	case "application/xml", "text/xml":
		return FormatMarkup
	default:
		return FormatUnknown
	}
}

func fromExtension(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".xlsx", ".xls":
		return FormatSpreadsheet
	case ".xml":
		return FormatMarkup
	default:
		return FormatUnknown
	}
}

// Row is a single component/supplier entry recovered from a BOM
// upload. Fields are pointers-as-strings (empty string means absent)
// to keep the zero value meaningful without an extra layer of *string.
type Row struct {
	RowNumber     int
	SupplierName  string
	SupplierEmail string
	ContactPerson string
	PartNumber    string
	Description   string
	MaterialType  string
	CASNumbers    []string
	RawData       map[string]string
}

// ParsedBom is the complete result of ingesting one BOM upload.
type ParsedBom struct {
	Filename      string
	Format        Format
	Rows          []Row
	ColumnHeaders []string
	TotalRows     int
	ParseWarnings []string
}

// columnSynonyms maps each canonical field to the header names that
// may denote it in the wild, checked in priority order.
var columnSynonyms = struct {
	supplier, email, contact, part, description, material, cas []string
}{
	supplier:    []string{"supplier", "supplier_name", "vendor", "vendor_name", "manufacturer"},
	email:       []string{"email", "supplier_email", "vendor_email", "contact_email"},
	contact:     []string{"contact", "contact_person", "contact_name"},
	part:        []string{"part_number", "part_no", "pn", "sku", "item_number"},
	description: []string{"description", "desc", "item_description", "part_description"},
	material:    []string{"material", "material_type", "material_class"},
	cas:         []string{"cas", "cas_number", "cas_numbers", "chemical_cas"},
}

func findValue(candidates []string, data map[string]string) string {
	for _, candidate := range candidates {
		if v, ok := data[candidate]; ok {
			v = strings.TrimSpace(v)
			if v != "" {
				return v
			}
		}
	}
	return ""
}

// extractCASNumbers scans every CAS-like column, splitting on common
// delimiters, normalizing, and deduplicating in first-seen order.
func extractCASNumbers(data map[string]string) []string {
	var result []string
	seen := make(map[string]bool)
	for _, candidate := range columnSynonyms.cas {
		v, ok := data[candidate]
		if !ok {
			continue
		}
		for _, token := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ';' || r == '|' || r == '\n'
		}) {
			cleaned := cleanCASToken(strings.TrimSpace(token))
			if cleaned == "" || seen[cleaned] {
				continue
			}
			seen[cleaned] = true
			result = append(result, cleaned)
		}
	}
	return result
}

// cleanCASToken strips non [0-9-] characters and keeps the token only
// if three hyphen-separated groups survive; malformed tokens are
// dropped rather than surfaced as parse errors: an invalid CAS
// number yields an empty cas_numbers list, not a row failure.
func cleanCASToken(token string) string {
	var b strings.Builder
	for _, r := range token {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(strings.Split(cleaned, "-")) != 3 {
		return ""
	}
	return cleaned
}

func mapRow(rowNumber int, raw map[string]string) Row {
	return Row{
		RowNumber:     rowNumber,
		SupplierName:  findValue(columnSynonyms.supplier, raw),
		SupplierEmail: findValue(columnSynonyms.email, raw),
		ContactPerson: findValue(columnSynonyms.contact, raw),
		PartNumber:    findValue(columnSynonyms.part, raw),
		Description:   findValue(columnSynonyms.description, raw),
		MaterialType:  findValue(columnSynonyms.material, raw),
		CASNumbers:    extractCASNumbers(raw),
		RawData:       raw,
	}
}

// Parse ingests data as a BOM upload. format, if FormatUnknown, is
// resolved via DetectFormat against filename.
func Parse(filename string, data []byte, format Format) (*ParsedBom, error) {
	if format == FormatUnknown {
		detected, err := DetectFormat(filename, "")
		if err != nil {
			return nil, err
		}
		format = detected
	}
	if len(data) == 0 {
		return nil, coreerrors.EmptyInput()
	}

	switch format {
	case FormatCSV:
		return parseCSV(filename, data)
	case FormatSpreadsheet:
		return parseSpreadsheet(filename, data)
	case FormatMarkup:
		return parseMarkup(filename, data)
	default:
		return nil, coreerrors.UnrecognizedFormat(filename)
	}
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func rowErrorWarning(rowNumber int, err error) string {
	return fmt.Sprintf("row %d: parse error - %s", rowNumber, err)
}
