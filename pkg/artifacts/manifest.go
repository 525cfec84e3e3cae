// Package artifacts loads the versioned scoring artifacts (feature list,
// imputer, classifier, bootstrap ensemble) described by a manifest and
// publishes them as one immutable Bundle.
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Classifier kinds.
const (
	KindSoftmax = "softmax"
	KindRemote  = "remote"
)

// Manifest describes one artifact version.
//
//	version: "2026.03"
//	features: genes.txt
//	imputer: imputer.json
//	classifier:
//	  kind: softmax
//	  path: classifier.json
//	ensemble: bootstrap.json
//	classes: [WNT, SHH, G3, G4]
//
// Relative paths resolve against the manifest's directory.
type Manifest struct {
	Version    string          `yaml:"version"`
	Features   string          `yaml:"features"`
	Imputer    string          `yaml:"imputer"`
	Classifier ClassifierEntry `yaml:"classifier"`
	Ensemble   string          `yaml:"ensemble,omitempty"`
	Classes    []string        `yaml:"classes"`

	dir string
}

// ClassifierEntry selects and configures the classifier.
type ClassifierEntry struct {
	Kind              string        `yaml:"kind"`
	Path              string        `yaml:"path,omitempty"`
	URL               string        `yaml:"url,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	ProbabilitiesPath string        `yaml:"probabilitiesPath,omitempty"`
}

// ReadManifest parses and validates the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks required fields.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if m.Features == "" {
		errs = append(errs, errors.New("features is required"))
	}
	if m.Imputer == "" {
		errs = append(errs, errors.New("imputer is required"))
	}
	if len(m.Classes) < 2 {
		errs = append(errs, errors.New("at least two classes are required"))
	}
	switch m.Classifier.Kind {
	case KindSoftmax:
		if m.Classifier.Path == "" {
			errs = append(errs, errors.New("classifier.path is required for softmax"))
		}
	case KindRemote:
		if m.Classifier.URL == "" {
			errs = append(errs, errors.New("classifier.url is required for remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown classifier kind %q", m.Classifier.Kind))
	}
	return errors.Join(errs...)
}

// Resolve returns p relative to the manifest directory unless absolute.
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Files lists every local file the manifest references.
func (m *Manifest) Files() []string {
	files := []string{m.Resolve(m.Features), m.Resolve(m.Imputer)}
	if m.Classifier.Kind == KindSoftmax {
		files = append(files, m.Resolve(m.Classifier.Path))
	}
	if m.Ensemble != "" {
		files = append(files, m.Resolve(m.Ensemble))
	}
	return files
}
