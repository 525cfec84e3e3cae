package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/icstlab/icst/pkg/apperr"
	"github.com/icstlab/icst/pkg/features"
	"github.com/icstlab/icst/pkg/models"
)

// Bundle is one consistent set of loaded artifacts. A Bundle is never
// modified after it is published.
type Bundle struct {
	Version    string
	Features   *features.Set
	Imputer    models.FittedImputer
	Classifier models.Classifier
	Ensemble   *models.Ensemble
	Classes    []string
	LoadedAt   time.Time

	featuresPath string
}

// ClassLabel returns the label for class index i, or "" when i is out of
// range.
func (b *Bundle) ClassLabel(i int) string {
	if i < 0 || i >= len(b.Classes) {
		return ""
	}
	return b.Classes[i]
}

// Options configures a Handle.
type Options struct {
	// HTTPClient is used by remote classifiers. Nil selects a default client.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnReload is called after every reload attempt.
	OnReload func(b *Bundle, err error)
}

// Handle publishes the current Bundle. Readers call Current once per unit
// of work and use that Bundle throughout, so a concurrent reload never mixes
// artifact versions within one request or job.
type Handle struct {
	manifestPath string
	opts         Options
	logger       *slog.Logger

	current  atomic.Pointer[Bundle]
	reloadMu sync.Mutex
}

// Open loads the manifest at path. Any failure is ModelUnavailable.
func Open(path string, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{manifestPath: path, opts: opts, logger: logger}

	b, err := h.load()
	if err != nil {
		return nil, err
	}
	h.current.Store(b)
	logger.Info("artifacts loaded", "version", b.Version, "features", b.Features.Len(), "classifier", b.Classifier.Name())
	return h, nil
}

// Current returns the published Bundle.
func (h *Handle) Current() *Bundle {
	return h.current.Load()
}

// Ready reports whether a Bundle is published.
func (h *Handle) Ready() bool {
	return h.current.Load() != nil
}

// Reload builds a complete new Bundle and publishes it. On error the
// previous Bundle stays in place.
func (h *Handle) Reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	return h.reloadLocked()
}

func (h *Handle) reloadLocked() error {
	b, err := h.load()
	if h.opts.OnReload != nil {
		h.opts.OnReload(b, err)
	}
	if err != nil {
		h.logger.Error("artifact reload failed, keeping current version",
			"version", h.Current().Version, "error", err)
		return err
	}
	h.current.Store(b)
	h.logger.Info("artifacts reloaded", "version", b.Version, "features", b.Features.Len())
	return nil
}

// ReplaceFeatures rewrites the accepted feature list and reloads. The list
// must have exactly as many distinct features as the classifier consumes.
// If the reload fails the previous file is restored.
func (h *Handle) ReplaceFeatures(names []string) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	cur := h.Current()
	set, err := features.NewSet(names)
	if err != nil {
		return apperr.Wrap(apperr.MalformedInput, err, "invalid feature list")
	}
	if set.Len() != cur.Classifier.Width() {
		return apperr.New(apperr.MalformedInput,
			"feature list has %d entries, classifier %s expects %d",
			set.Len(), cur.Classifier.Name(), cur.Classifier.Width())
	}

	previous, err := os.ReadFile(cur.featuresPath)
	if err != nil {
		return apperr.Wrap(apperr.InternalFailure, err, "read current feature list")
	}

	var buf bytes.Buffer
	if err := features.WriteList(&buf, set.Names()); err != nil {
		return apperr.Wrap(apperr.InternalFailure, err, "encode feature list")
	}
	if err := writeFileAtomic(cur.featuresPath, buf.Bytes()); err != nil {
		return apperr.Wrap(apperr.InternalFailure, err, "write feature list")
	}

	if err := h.reloadLocked(); err != nil {
		if rerr := writeFileAtomic(cur.featuresPath, previous); rerr != nil {
			h.logger.Error("failed to restore feature list", "path", cur.featuresPath, "error", rerr)
		}
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".features-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Watch reloads whenever the manifest or a file it references changes.
// Bursts of events within debounce collapse into one reload. Watch blocks
// until ctx is canceled.
func (h *Handle) Watch(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := map[string]struct{}{filepath.Dir(h.manifestPath): {}}
	if m, err := ReadManifest(h.manifestPath); err == nil {
		for _, f := range m.Files() {
			dirs[filepath.Dir(f)] = struct{}{}
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !h.watched(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			h.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("artifact watcher error", "error", err)
		}
	}
}

func (h *Handle) watched(name string) bool {
	clean := filepath.Clean(name)
	if clean == filepath.Clean(h.manifestPath) {
		return true
	}
	m, err := ReadManifest(h.manifestPath)
	if err != nil {
		return false
	}
	for _, f := range m.Files() {
		if clean == filepath.Clean(f) {
			return true
		}
	}
	return false
}

func (h *Handle) load() (*Bundle, error) {
	m, err := ReadManifest(h.manifestPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelUnavailable, err, "artifact manifest unavailable")
	}
	b, err := buildBundle(m, h.opts.HTTPClient)
	if err != nil {
		return nil, apperr.Wrap(apperr.ModelUnavailable, err, "artifacts %s unavailable", m.Version)
	}
	return b, nil
}

func buildBundle(m *Manifest, client *http.Client) (*Bundle, error) {
	featuresPath := m.Resolve(m.Features)
	f, err := os.Open(featuresPath)
	if err != nil {
		return nil, fmt.Errorf("open feature list: %w", err)
	}
	names, err := features.ParseList(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("parse feature list: %w", err)
	}
	set, err := features.NewSet(names)
	if err != nil {
		return nil, fmt.Errorf("feature list: %w", err)
	}

	imp, err := models.LoadImputer(m.Resolve(m.Imputer))
	if err != nil {
		return nil, err
	}
	if imp.Width() != set.Len() {
		return nil, fmt.Errorf("imputer width %d does not match %d features", imp.Width(), set.Len())
	}

	var clf models.Classifier
	switch m.Classifier.Kind {
	case KindSoftmax:
		clf, err = models.LoadSoftmaxModel(m.Resolve(m.Classifier.Path))
	case KindRemote:
		clf, err = models.NewRemoteModel(m.Classifier.URL, models.RemoteOptions{
			Name:              "remote-" + m.Version,
			Width:             set.Len(),
			Classes:           len(m.Classes),
			ProbabilitiesPath: m.Classifier.ProbabilitiesPath,
			Timeout:           m.Classifier.Timeout,
			Client:            client,
		})
	}
	if err != nil {
		return nil, err
	}
	if clf.Width() != set.Len() {
		return nil, fmt.Errorf("classifier width %d does not match %d features", clf.Width(), set.Len())
	}
	if clf.Classes() != len(m.Classes) {
		return nil, fmt.Errorf("classifier has %d classes, manifest lists %d", clf.Classes(), len(m.Classes))
	}

	var ens *models.Ensemble
	if m.Ensemble != "" {
		ens, err = models.LoadEnsemble(m.Resolve(m.Ensemble))
		if err != nil {
			return nil, err
		}
		if ens.Width() != set.Len() || ens.Classes() != len(m.Classes) {
			return nil, fmt.Errorf("ensemble is %dx%d, want %dx%d", ens.Width(), ens.Classes(), set.Len(), len(m.Classes))
		}
	}

	return &Bundle{
		Version:      m.Version,
		Features:     set,
		Imputer:      imp,
		Classifier:   clf,
		Ensemble:     ens,
		Classes:      m.Classes,
		LoadedAt:     time.Now(),
		featuresPath: featuresPath,
	}, nil
}
