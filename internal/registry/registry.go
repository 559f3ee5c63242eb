// Package registry implements the Component Registry (C1, §4.1): it
// watches one or more filesystem roots for Wasm component binaries,
// fingerprints and analyzes each one, and exposes the resulting descriptor
// table to the rest of the core.
//
// The descriptor table itself is a github.com/puzpuzpuz/xsync/v3 map, the
// same lock-free-read concurrent map the teacher depends on — it gives the
// "many readers, one writer during rescans; readers observe a consistent
// snapshot" discipline §5 requires without wasmloom hand-rolling a
// reader/writer lock around a plain map. Filesystem watching is
// github.com/fsnotify/fsnotify, the watch library the rest of the
// retrieval pack (templar, codenerd) reaches for; the teacher itself never
// watches a directory tree (it's a one-shot CLI), so this concern is
// enriched from the pack rather than grounded on the teacher directly.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/gruntwork-io/wasmloom/internal/component"
	wasmerrors "github.com/gruntwork-io/wasmloom/internal/errors"
	"github.com/gruntwork-io/wasmloom/internal/security"
	"github.com/gruntwork-io/wasmloom/internal/wit"
	"github.com/gruntwork-io/wasmloom/pkg/log"
	"github.com/puzpuzpuz/xsync/v3"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// EventKind describes a descriptor-table delta for Subscribe listeners
// (§4.1).
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventChangedPath
)

// Event is a single descriptor-table delta.
type Event struct {
	Kind        EventKind
	Fingerprint component.Fingerprint
	Path        string
}

// Listener receives registry delta events. It must not block: the registry
// fans events out synchronously to every subscriber from the goroutine
// doing the scan (the Rescan caller, or the debounce timer's goroutine).
type Listener func(Event)

// Registry is the Component Registry (C1).
type Registry struct {
	roots    []string
	analyzer *wit.Analyzer
	scanner  *security.Scanner
	logger   log.Logger

	descriptors *xsync.MapOf[component.Fingerprint, *component.Descriptor]

	mu          sync.Mutex
	pathIndex   map[string]component.Fingerprint // path -> fingerprint
	listeners   []Listener
	debounce    time.Duration
	pending     map[string]struct{}
	pendingTmr  *time.Timer
	watcher     *fsnotify.Watcher
	group       *errgroup.Group
}

// Config configures a new Registry.
type Config struct {
	Roots         []string
	Analyzer      *wit.Analyzer
	Scanner       *security.Scanner
	Logger        log.Logger
	DebounceDelay time.Duration // default 200ms, §C supplemented feature
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 200 * time.Millisecond
	}
	return &Registry{
		roots:       cfg.Roots,
		analyzer:    cfg.Analyzer,
		scanner:     cfg.Scanner,
		logger:      cfg.Logger,
		descriptors: xsync.NewMapOf[component.Fingerprint, *component.Descriptor](),
		pathIndex:   map[string]component.Fingerprint{},
		debounce:    cfg.DebounceDelay,
		pending:     map[string]struct{}{},
		group:       &errgroup.Group{},
	}
}

// Start performs the initial full scan and begins watching for filesystem
// changes. Watching ends when ctx is canceled or Stop is called.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Rescan(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return wasmerrors.NewConfigError("watch_roots", "cannot start filesystem watcher", err)
	}
	r.watcher = w

	for _, root := range r.roots {
		if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			return w.Add(path)
		}); err != nil {
			r.logger.Warnf("registry: failed to walk watch root %s: %v", root, err)
		}
	}

	r.group.Go(func() error {
		r.watchLoop(ctx)
		return nil
	})
	return nil
}

func (r *Registry) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = r.watcher.Close()
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.scheduleRescanOf(ev.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warnf("registry: watcher error: %v", err)
		}
	}
}

// scheduleRescanOf debounces bursts of filesystem events into a single
// rescan pass (§C "rescan() debouncing").
func (r *Registry) scheduleRescanOf(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[path] = struct{}{}
	if r.pendingTmr != nil {
		r.pendingTmr.Stop()
	}
	r.pendingTmr = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		paths := make([]string, 0, len(r.pending))
		for p := range r.pending {
			paths = append(paths, p)
		}
		r.pending = map[string]struct{}{}
		r.mu.Unlock()

		for _, p := range paths {
			r.scanPath(p)
		}
	})
}

// Rescan forces a full re-scan of every configured root (§4.1 `rescan()`).
func (r *Registry) Rescan() error {
	seen := map[string]struct{}{}
	for _, root := range r.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				r.logger.Warnf("registry: walk error at %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			seen[path] = struct{}{}
			r.scanPath(path)
			return nil
		})
		if err != nil {
			return wasmerrors.NewHostError(root, err)
		}
	}
	r.reconcileDeletedPaths(seen)
	return nil
}

func (r *Registry) reconcileDeletedPaths(stillPresent map[string]struct{}) {
	r.mu.Lock()
	var removed []string
	for path := range r.pathIndex {
		if _, ok := stillPresent[path]; !ok {
			removed = append(removed, path)
		}
	}
	r.mu.Unlock()
	for _, path := range removed {
		r.removePath(path)
	}
}

// scanPath processes one candidate file through the three-step protocol of
// §4.1: magic-byte rejection, fingerprinting/path association, then
// synchronous analysis + scanning.
func (r *Registry) scanPath(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.removePath(path)
			return
		}
		// Transient I/O error: retried on the next filesystem event,
		// the registry as a whole never aborts (§4.1).
		r.logger.Warnf("registry: %v", wasmerrors.NewHostError(path, err))
		return
	}

	if len(data) < 8 || !bytes.Equal(data[:4], wasmMagic) {
		return // not a component candidate; silently ignored, not an error
	}

	fp := Fingerprint(data)

	r.mu.Lock()
	existingFP, hadPath := r.pathIndex[path]
	r.mu.Unlock()

	if hadPath && existingFP == fp {
		return // unchanged, nothing to do
	}

	desc, alreadyKnown := r.descriptors.Load(fp)
	if !alreadyKnown {
		desc = r.buildDescriptor(fp, data, path)
		r.descriptors.Store(fp, desc)
	} else {
		r.mu.Lock()
		desc.Paths = appendUnique(desc.Paths, path)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.pathIndex[path] = fp
	r.mu.Unlock()

	if hadPath && existingFP != fp {
		r.emit(Event{Kind: EventChangedPath, Fingerprint: fp, Path: path})
	} else {
		r.emit(Event{Kind: EventAdded, Fingerprint: fp, Path: path})
	}
}

func (r *Registry) buildDescriptor(fp component.Fingerprint, data []byte, path string) *component.Descriptor {
	desc := &component.Descriptor{
		Fingerprint: fp,
		Paths:       []string{path},
		ByteLength:  int64(len(data)),
		ModifiedAt:  time.Now().UnixNano(),
		Metadata:    map[string]string{},
	}

	surface, limits, err := r.analyzer.Analyze(data)
	if err != nil {
		desc.Verdict = component.Verdict{Accepted: false, Reasons: []string{"malformed-type: " + err.Error()}}
		return desc
	}
	desc.Surface = surface
	desc.Limits = limits

	verdict := r.scanner.Scan(data, surface, limits)
	desc.Verdict = verdict
	return desc
}

func (r *Registry) removePath(path string) {
	r.mu.Lock()
	fp, ok := r.pathIndex[path]
	if ok {
		delete(r.pathIndex, path)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if desc, found := r.descriptors.Load(fp); found {
		r.mu.Lock()
		desc.Paths = removeString(desc.Paths, path)
		remaining := len(desc.Paths)
		r.mu.Unlock()
		if remaining == 0 {
			r.descriptors.Delete(fp)
		}
	}
	r.emit(Event{Kind: EventRemoved, Fingerprint: fp, Path: path})
}

// Stop closes the filesystem watcher, ending the watch loop started by
// Start independent of that call's context being canceled — used by the
// core facade's explicit shutdown path rather than waiting on ctx.Done().
// It does not wait for watchLoop to return; any error it surfaces through
// the supervising errgroup is logged, not propagated, since Stop's caller
// has already moved on to tearing down the rest of the core.
func (r *Registry) Stop() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	go func() {
		if werr := r.group.Wait(); werr != nil {
			r.logger.Warnf("registry: watch loop exited with error: %v", werr)
		}
	}()
	return err
}

// ListDescriptors returns a lexicographically-ordered-by-fingerprint
// snapshot (§4.1 `list_descriptors()`).
func (r *Registry) ListDescriptors() component.Descriptors {
	var out component.Descriptors
	r.descriptors.Range(func(_ component.Fingerprint, v *component.Descriptor) bool {
		out = append(out, v)
		return true
	})
	return out.Sort()
}

// GetDescriptor looks up a descriptor by fingerprint (§4.1
// `get_descriptor(fingerprint)`).
func (r *Registry) GetDescriptor(fp component.Fingerprint) (*component.Descriptor, bool) {
	return r.descriptors.Load(fp)
}

// Subscribe registers a listener for descriptor-table delta events (§4.1
// `subscribe(listener)`).
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Fingerprint computes a component's content fingerprint (§3 GLOSSARY).
func Fingerprint(data []byte) component.Fingerprint {
	sum := sha256.Sum256(data)
	return component.Fingerprint(hex.EncodeToString(sum[:]))
}

func appendUnique(paths []string, p string) []string {
	for _, existing := range paths {
		if existing == p {
			return paths
		}
	}
	return append(paths, p)
}

func removeString(paths []string, p string) []string {
	out := paths[:0]
	for _, existing := range paths {
		if existing != p {
			out = append(out, existing)
		}
	}
	return out
}
