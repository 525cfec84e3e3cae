package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Ensemble is the ordered list of bootstrap members used for confidence
// estimation. All members share input width and class count.
type Ensemble struct {
	members []Classifier
}

type ensembleFile struct {
	Members []SoftmaxSpec `json:"members"`
}

// NewEnsemble validates that members agree on width and classes.
func NewEnsemble(members []Classifier) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble: no members")
	}
	width, classes := members[0].Width(), members[0].Classes()
	for i, m := range members[1:] {
		if m.Width() != width || m.Classes() != classes {
			return nil, fmt.Errorf("ensemble: member %d is %dx%d, member 0 is %dx%d",
				i+1, m.Width(), m.Classes(), width, classes)
		}
	}
	return &Ensemble{members: members}, nil
}

// LoadEnsemble reads {"members": [SoftmaxSpec, ...]} from path.
func LoadEnsemble(path string) (*Ensemble, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ensemble: %w", err)
	}
	defer f.Close()
	return DecodeEnsemble(f)
}

// DecodeEnsemble reads an ensemble file from r.
func DecodeEnsemble(r io.Reader) (*Ensemble, error) {
	var file ensembleFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode ensemble: %w", err)
	}

	members := make([]Classifier, 0, len(file.Members))
	for i, spec := range file.Members {
		if spec.Name == "" {
			spec.Name = fmt.Sprintf("member-%d", i)
		}
		m, err := NewSoftmaxModel(spec)
		if err != nil {
			return nil, fmt.Errorf("ensemble member %d: %w", i, err)
		}
		members = append(members, m)
	}
	return NewEnsemble(members)
}

// Len returns the number of members.
func (e *Ensemble) Len() int { return len(e.members) }

// Width returns the members' input width.
func (e *Ensemble) Width() int { return e.members[0].Width() }

// Classes returns the members' class count.
func (e *Ensemble) Classes() int { return e.members[0].Classes() }

// Member returns the i-th member.
func (e *Ensemble) Member(i int) Classifier { return e.members[i] }
