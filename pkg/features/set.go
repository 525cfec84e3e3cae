// Package features maps raw sample columns onto the canonical accepted
// feature set and produces fixed-width, fully imputed feature vectors.
//
// The package is pure: alignment depends only on its inputs, so the same raw
// samples aligned against an unchanged Set and Imputer always produce the
// same output.
package features

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// UnknownType is the type label assigned to samples that do not carry one.
const UnknownType = "unknown"

// Normalize canonicalizes a feature symbol for matching: NFKC, trimmed,
// upper case. Matching after normalization is exact.
func Normalize(name string) string {
	s := norm.NFKC.String(name)
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
	return strings.ToUpper(s)
}

// Set is an ordered, immutable list of canonical feature symbols.
type Set struct {
	names []string
	index map[string]int
}

// NewSet normalizes names and builds a Set. Empty and duplicate symbols
// are rejected.
func NewSet(names []string) (*Set, error) {
	if len(names) == 0 {
		return nil, errors.New("feature set cannot be empty")
	}

	s := &Set{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, raw := range names {
		n := Normalize(raw)
		if n == "" {
			return nil, fmt.Errorf("feature %d: empty symbol", i)
		}
		if j, dup := s.index[n]; dup {
			return nil, fmt.Errorf("feature %d: %q duplicates feature %d", i, n, j)
		}
		s.names[i] = n
		s.index[n] = i
	}
	return s, nil
}

// Len returns the number of features.
func (s *Set) Len() int { return len(s.names) }

// Names returns a copy of the canonical symbols in order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Index returns the canonical position of an already-normalized symbol.
func (s *Set) Index(normalized string) (int, bool) {
	i, ok := s.index[normalized]
	return i, ok
}

// ParseList reads a feature list. Symbols may be separated by commas,
// tabs or newlines; blank entries are skipped.
func ParseList(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []string
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse feature list: %w", err)
		}
		for _, field := range record {
			for _, part := range strings.Split(field, "\t") {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
		}
	}
	return out, nil
}

// WriteList writes names as a single comma-separated record.
func WriteList(w io.Writer, names []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(names); err != nil {
		return fmt.Errorf("write feature list: %w", err)
	}
	cw.Flush()
	return cw.Error()
}
