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
	"bytes"
	"encoding/csv"
	"io"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
)

// parseCSV reads a flexible-width CSV: short or ragged rows are
// tolerated (missing trailing fields are treated as absent columns),
// and a row that cannot be tokenized at all is recovered as a warning
// rather than failing the whole upload.
func parseCSV(filename string, data []byte) (*ParsedBom, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	rawHeaders, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, coreerrors.HeaderRowMissing()
		}
		return nil, coreerrors.New(coreerrors.KindInput, "failed to read CSV headers").WithCause(err)
	}

	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = normalizeHeader(h)
	}

	var rows []Row
	var warnings []string
	rowNumber := 1

	for {
		rowNumber++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, rowErrorWarning(rowNumber, err))
			continue
		}

		raw := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				raw[h] = record[i]
			}
		}
		rows = append(rows, mapRow(rowNumber, raw))
	}

	return &ParsedBom{
		Filename:      filename,
		Format:        FormatCSV,
		Rows:          rows,
		ColumnHeaders: headers,
		TotalRows:     len(rows),
		ParseWarnings: warnings,
	}, nil
}
