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

	"github.com/xuri/excelize/v2"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
)

// parseSpreadsheet reads the first worksheet of an XLSX upload,
// treating its first row as headers. Short rows are padded implicitly
// (a missing cell is simply absent from raw_data for that row).
func parseSpreadsheet(filename string, data []byte) (*ParsedBom, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindInput, "failed to open spreadsheet").WithCause(err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, coreerrors.New(coreerrors.KindInput, "spreadsheet has no worksheets")
	}
	sheetRows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindInput, "failed to read worksheet").WithCause(err)
	}
	if len(sheetRows) == 0 {
		return nil, coreerrors.HeaderRowMissing()
	}

	headers := make([]string, len(sheetRows[0]))
	for i, h := range sheetRows[0] {
		headers[i] = normalizeHeader(h)
	}

	var rows []Row
	for i, record := range sheetRows[1:] {
		rowNumber := i + 2
		raw := make(map[string]string, len(headers))
		for j, h := range headers {
			if j < len(record) {
				raw[h] = record[j]
			}
		}
		rows = append(rows, mapRow(rowNumber, raw))
	}

	return &ParsedBom{
		Filename:      filename,
		Format:        FormatSpreadsheet,
		Rows:          rows,
		ColumnHeaders: headers,
		TotalRows:     len(rows),
	}, nil
}
