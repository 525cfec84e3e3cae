package features

import (
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/icstlab/icst/pkg/apperr"
)

// TypeRow is the row (or column) label that carries per-sample type labels
// in uploaded expression files.
const TypeRow = "TYPEID"

// Layout describes how an expression file is oriented.
type Layout string

const (
	// LayoutAuto picks the orientation whose labels match more accepted features.
	LayoutAuto Layout = "auto"
	// LayoutFeatureRows has one row per feature and one column per sample.
	LayoutFeatureRows Layout = "feature-rows"
	// LayoutSampleRows has one row per sample and one column per feature.
	LayoutSampleRows Layout = "sample-rows"
)

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// Layout defaults to LayoutAuto, which requires Set.
	Layout Layout
	Set    *Set
}

// DelimiterFor returns the delimiter conventionally used by a file name:
// tab for .tsv and .txt, comma otherwise. An explicit name of "tab",
// "comma" or a single character overrides the extension.
func DelimiterFor(filename, explicit string) rune {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "tab", `\t`:
		return '\t'
	case "comma":
		return ','
	case "semicolon":
		return ';'
	}
	if r := []rune(explicit); len(r) == 1 {
		return r[0]
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".tsv", ".txt":
		return '\t'
	}
	return ','
}

// ReadCSV parses an uploaded expression matrix into raw samples. Cell
// values are kept as strings; Align parses and validates them.
func ReadCSV(r io.Reader, opts CSVOptions) ([]RawSample, error) {
	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, apperr.Wrap(apperr.MalformedInput, err,
				"sample files should be valid CSV or TXT files (line %d)", pe.Line)
		}
		return nil, apperr.Wrap(apperr.MalformedInput, err, "sample files should be valid CSV or TXT files")
	}
	if len(records) < 2 || len(records[0]) < 2 {
		return nil, apperr.New(apperr.MalformedInput,
			"sample files should contain a header row, a label column and at least one sample")
	}

	layout := opts.Layout
	if layout == "" || layout == LayoutAuto {
		layout = detectLayout(records, opts.Set)
	}

	if layout == LayoutSampleRows {
		records = transpose(records)
	}
	return fromFeatureRows(records), nil
}

func detectLayout(records [][]string, set *Set) Layout {
	if set == nil {
		return LayoutFeatureRows
	}

	inHeader := 0
	for _, cell := range records[0][1:] {
		if _, ok := set.Index(Normalize(cell)); ok {
			inHeader++
		}
	}
	inColumn := 0
	for _, rec := range records[1:] {
		if _, ok := set.Index(Normalize(rec[0])); ok {
			inColumn++
		}
	}

	if inHeader > inColumn {
		return LayoutSampleRows
	}
	return LayoutFeatureRows
}

func transpose(records [][]string) [][]string {
	out := make([][]string, len(records[0]))
	for j := range out {
		out[j] = make([]string, len(records))
		for i := range records {
			out[j][i] = records[i][j]
		}
	}
	return out
}

// fromFeatureRows converts a feature-rows matrix to samples. Samples whose
// cells are all blank are dropped.
func fromFeatureRows(records [][]string) []RawSample {
	header := records[0]
	samples := make([]RawSample, len(header)-1)
	for j := range samples {
		samples[j] = RawSample{
			ID:       strings.TrimSpace(header[j+1]),
			Features: make(map[string]any, len(records)-1),
		}
	}

	for _, rec := range records[1:] {
		label := strings.TrimSpace(rec[0])
		if Normalize(label) == TypeRow {
			for j := range samples {
				samples[j].Type = strings.TrimSpace(rec[j+1])
			}
			continue
		}
		for j := range samples {
			samples[j].Features[label] = rec[j+1]
		}
	}

	out := samples[:0]
	for _, s := range samples {
		if !allBlank(s.Features) {
			out = append(out, s)
		}
	}
	return out
}

func allBlank(values map[string]any) bool {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}
