// Package datagen holds the shaping utilities the synthetic-data stage uses
// to turn an LLM's markdown-table response into NDJSON rows. It is the
// "live" sibling of internal/jobs/datagen/forbidden: everything here assumes
// its input text came from a model call carrying business context, and does
// no row generation of its own — it only parses and samples.
package datagen

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMarkdownTable converts a GitHub-flavored markdown table (a header
// row, a separator row of dashes/colons, and one or more data rows) into a
// slice of field->value maps keyed by fields. Spec §4.3.4: "the response is
// parsed as a markdown table and converted to NDJSON."
//
// Column order in the response need not match fields' order — matching is
// by header name, case-insensitively, with surrounding whitespace trimmed.
// Extra response columns not in fields are ignored; fields missing from the
// response are left unset (nil) in every row.
func ParseMarkdownTable(text string, fields []string) ([]map[string]any, error) {
	lines := splitTableLines(text)
	if len(lines) < 2 {
		return nil, fmt.Errorf("datagen: markdown table has no data rows")
	}

	header := splitRow(lines[0])
	if len(header) == 0 {
		return nil, fmt.Errorf("datagen: markdown table has empty header")
	}
	dataLines := lines[1:]
	if isSeparatorRow(dataLines[0]) {
		dataLines = dataLines[1:]
	}
	if len(dataLines) == 0 {
		return nil, fmt.Errorf("datagen: markdown table has no data rows")
	}

	colIndex := make(map[string]int, len(header))
	for i, h := range header {
		colIndex[normalizeHeader(h)] = i
	}

	rows := make([]map[string]any, 0, len(dataLines))
	for _, line := range dataLines {
		cells := splitRow(line)
		if len(cells) == 0 {
			continue
		}
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			idx, ok := colIndex[normalizeHeader(f)]
			if !ok || idx >= len(cells) {
				row[f] = nil
				continue
			}
			row[f] = coerceCell(cells[idx])
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("datagen: markdown table yielded zero rows")
	}
	return rows, nil
}

// splitTableLines isolates the pipe-delimited lines from a model response
// that may also include prose before/after the table (models routinely add
// a one-line preamble despite instructions not to).
func splitTableLines(text string) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "|") || (strings.Count(line, "|") >= 1 && line != "") {
			if strings.Contains(line, "|") {
				out = append(out, line)
			}
		}
	}
	return out
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func isSeparatorRow(line string) bool {
	cells := splitRow(line)
	if len(cells) == 0 {
		return false
	}
	for _, c := range cells {
		c = strings.TrimSpace(c)
		c = strings.Trim(c, ":")
		if c == "" {
			continue
		}
		if strings.Trim(c, "-") != "" {
			return false
		}
	}
	return true
}

func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	h = strings.ReplaceAll(h, " ", "_")
	return h
}

// coerceCell attempts int, then float, then bool, falling back to the raw
// string. "null"/"" become nil so NDJSON encodes a JSON null rather than a
// literal "null" string for genuinely absent values.
func coerceCell(raw string) any {
	v := strings.TrimSpace(raw)
	lower := strings.ToLower(v)
	if v == "" || lower == "null" || lower == "n/a" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if lower == "true" || lower == "false" {
		return lower == "true"
	}
	return v
}
