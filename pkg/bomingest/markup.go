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
	"encoding/xml"
	"io"
	"strings"
)

// rowElementNames are the element names recognized as marking the
// start of one BOM entry; anything else nested inside one is treated
// as a field named after its own element.
var rowElementNames = map[string]bool{
	"row": true, "item": true, "component": true, "entry": true, "record": true,
}

// parseMarkup streams an XML document looking for row/item/component/
// entry/record elements; every simple child element beneath one
// becomes a raw_data field keyed by its lowercased tag name.
func parseMarkup(filename string, data []byte) (*ParsedBom, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var rows []Row
	var warnings []string
	var headerSet []string
	seenHeader := make(map[string]bool)

	var currentRow map[string]string
	var currentElement string
	rowNumber := 1

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, "markup parse error - "+err.Error())
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			if rowElementNames[name] {
				currentRow = make(map[string]string)
				rowNumber++
			} else if currentRow != nil {
				currentElement = name
			}
		case xml.CharData:
			if currentRow != nil && currentElement != "" {
				text := strings.TrimSpace(string(t))
				if text != "" {
					currentRow[currentElement] = text
				}
			}
		case xml.EndElement:
			name := strings.ToLower(t.Name.Local)
			if rowElementNames[name] {
				if currentRow != nil {
					for h := range currentRow {
						if !seenHeader[h] {
							seenHeader[h] = true
							headerSet = append(headerSet, h)
						}
					}
					rows = append(rows, mapRow(rowNumber, currentRow))
					currentRow = nil
				}
			}
			currentElement = ""
		}
	}

	return &ParsedBom{
		Filename:      filename,
		Format:        FormatMarkup,
		Rows:          rows,
		ColumnHeaders: headerSet,
		TotalRows:     len(rows),
		ParseWarnings: warnings,
	}, nil
}
