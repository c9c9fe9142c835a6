// Package intake reads product and golden-set records from CSV, XLSX and
// JSON files.
package intake

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ncm-audit/internal/model"
)

// Column aliases accepted in headers, after lowercasing and trimming.
var columns = map[string][]string{
	"id":          {"id", "sku", "codigo", "product_id"},
	"description": {"description", "descricao", "desc", "produto"},
	"ncm":         {"ncm", "current_ncm"},
	"cest":        {"cest", "current_cest"},
	"confidence":  {"confidence", "confianca"},
}

// header maps canonical column names to their index in a row.
type header map[string]int

func parseHeader(row []string) header {
	h := make(header)
	for i, name := range row {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		for canon, aliases := range columns {
			for _, a := range aliases {
				if name == a {
					if _, seen := h[canon]; !seen {
						h[canon] = i
					}
				}
			}
		}
	}
	return h
}

func (h header) get(row []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (h header) require(cols ...string) error {
	for _, c := range cols {
		if _, ok := h[c]; !ok {
			return eris.Errorf("intake: missing %q column", c)
		}
	}
	return nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// productsFromRows converts a header row plus data rows. Blank rows are
// skipped; rows with no id are rejected.
func productsFromRows(rows [][]string) ([]model.ProductInput, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := parseHeader(rows[0])
	if err := h.require("id", "description"); err != nil {
		return nil, err
	}

	var out []model.ProductInput
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		in := model.ProductInput{
			ID:          h.get(row, "id"),
			Description: h.get(row, "description"),
			NCM:         digits(h.get(row, "ncm")),
			CEST:        digits(h.get(row, "cest")),
		}
		if in.ID == "" {
			return nil, eris.Errorf("intake: row %d has no id", i+2)
		}
		out = append(out, in)
	}
	return out, nil
}

// goldenFromRows converts golden-set rows. Confidence defaults to 1.
func goldenFromRows(rows [][]string, source, approver string) ([]model.GoldenSetEntry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	h := parseHeader(rows[0])
	if err := h.require("description", "ncm"); err != nil {
		return nil, err
	}

	var out []model.GoldenSetEntry
	for i, row := range rows[1:] {
		if blank(row) {
			continue
		}
		e := model.GoldenSetEntry{
			Description: h.get(row, "description"),
			NCM:         digits(h.get(row, "ncm")),
			CEST:        digits(h.get(row, "cest")),
			Confidence:  1,
			Source:      source,
			Approver:    approver,
		}
		if raw := h.get(row, "confidence"); raw != "" {
			c, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
			if err != nil {
				return nil, eris.Wrapf(err, "intake: row %d confidence", i+2)
			}
			e.Confidence = c
		}
		out = append(out, e)
	}
	return out, nil
}

// digits strips the punctuation fiscal codes are often written with
// (e.g. "0901.21.00").
func digits(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReadProducts reads products from path, choosing the parser by extension.
func ReadProducts(ctx context.Context, path string) ([]model.ProductInput, error) {
	var (
		out []model.ProductInput
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return nil, eris.Wrapf(err, "intake: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		out, err = ReadCSV(ctx, f)
	case ".xlsx":
		out, err = ReadXLSX(path)
	case ".json":
		var f *os.File
		if f, err = os.Open(path); err != nil {
			return nil, eris.Wrapf(err, "intake: open %s", path)
		}
		defer f.Close() //nolint:errcheck
		out, err = ReadJSON(ctx, f)
	default:
		return nil, eris.Errorf("intake: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("intake: products loaded", zap.String("path", path), zap.Int("count", len(out)))
	return out, nil
}
