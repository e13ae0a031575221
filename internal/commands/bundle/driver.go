package bundle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/blacktop/relink/pkg/staging"
)

// DefaultWorkers bounds per-pass scan concurrency; dependency reads for
// independent binaries have no data dependency on each other
const DefaultWorkers = 8

// Config holds everything a relink run needs
type Config struct {
	Workers int
	DryRun  bool
	SignID  string // codesign identifier, defaults to each file's basename
}

type runState int

const (
	stateIdle runState = iota
	stateScanning
	stateDraining
	stateDone
)

func (s runState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateScanning:
		return "scanning"
	case stateDraining:
		return "draining"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// pendingRef is a vendorable reference whose candidates did not resolve when
// its consumer was processed; retried once the registry is fully populated
type pendingRef struct {
	consumer string
	rawPath  string
}

// Engine runs the vendoring/relinking fixed point over a staged bundle: pull
// a binary off the worklist, read and classify its dependencies, vendor the
// vendorable ones, rewrite the consumer, push newly vendored files back on
// the worklist, repeat until a full pass vendors nothing new.
type Engine struct {
	conf     *Config
	layout   *staging.Layout
	registry *Registry
	report   *Report
	state    runState

	// the Mach-O touching operations, swappable in tests
	scan   func(string) (*ScanResult, error)
	patch  func(string, []Rewrite) error
	resign func(string, string) error

	mu          sync.Mutex
	worklist    []string
	seen        map[string]bool
	touched     map[string]bool
	fileLocks   map[string]*sync.Mutex
	pending     []pendingRef
	dryResolved map[string]bool
}

func NewEngine(conf *Config, layout *staging.Layout) *Engine {
	if conf.Workers <= 0 {
		conf.Workers = DefaultWorkers
	}
	return &Engine{
		conf:        conf,
		layout:      layout,
		registry:    NewRegistry(layout.LibsDir),
		report:      &Report{},
		state:       stateIdle,
		scan:        Scan,
		patch:       Patch,
		resign:      Resign,
		seen:        make(map[string]bool),
		touched:     make(map[string]bool),
		fileLocks:   make(map[string]*sync.Mutex),
		dryResolved: make(map[string]bool),
	}
}

// Run drives the worklist to its fixed point, then re-signs every touched
// binary. Per-binary failures degrade to report warnings; only staging-tree
// I/O failures abort the run.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.setState(stateScanning)

	for _, root := range e.layout.Roots() {
		e.enqueue(root)
	}

	if !e.conf.DryRun {
		if err := e.relinkVenvs(); err != nil {
			return nil, err
		}
	}

	for {
		batch := e.drainWorklist()
		if len(batch) == 0 {
			break
		}
		e.report.Passes++
		log.WithFields(log.Fields{
			"pass":     e.report.Passes,
			"binaries": len(batch),
		}).Debug("scanning")

		sem := semaphore.NewWeighted(int64(e.conf.Workers))
		g, gctx := errgroup.WithContext(ctx)
		for _, path := range batch {
			path := path
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil, err
			}
			g.Go(func() error {
				defer sem.Release(1)
				return e.processOne(path)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	e.setState(stateDraining)
	e.retryPending()
	e.confirm()

	e.setState(stateDone)
	e.finalize()

	e.report.Vendored = e.registry.Entries()
	e.report.BytesCopied = e.registry.BytesCopied()
	e.report.Touched = e.touchedPaths()

	return e.report, nil
}

func (e *Engine) setState(s runState) {
	log.Debugf("state: %s -> %s", e.state, s)
	e.state = s
}

func (e *Engine) enqueue(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen[path] {
		e.seen[path] = true
		e.worklist = append(e.worklist, path)
	}
}

func (e *Engine) drainWorklist() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	batch := e.worklist
	e.worklist = nil
	sort.Strings(batch) // deterministic pass order keeps runs reproducible
	return batch
}

func (e *Engine) lockFile(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.fileLocks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.fileLocks[path] = l
	return l
}

func (e *Engine) markTouched(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touched[path] = true
}

func (e *Engine) touchedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	paths := make([]string, 0, len(e.touched))
	for p := range e.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (e *Engine) addPending(consumer, rawPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pendingRef{consumer: consumer, rawPath: rawPath})
}

func (e *Engine) drainPending() []pendingRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pending
	e.pending = nil
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].consumer != pending[j].consumer {
			return pending[i].consumer < pending[j].consumer
		}
		return pending[i].rawPath < pending[j].rawPath
	})
	return pending
}

func (e *Engine) markDryResolved(basename string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryResolved[basename] = true
}

func (e *Engine) wasDryResolved(basename string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dryResolved[basename]
}

// processOne scans a single binary, vendors its vendorable references and
// patches the binary to point at the vendored copies
func (e *Engine) processOne(path string) error {
	res, err := e.scan(path)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotMachO):
			log.Debugf("skipping non-macho file %s", path)
			return nil
		case errors.Is(err, ErrCorruptBinary):
			log.WithError(err).Warnf("skipping corrupt binary %s", path)
			e.report.addSkipped(path)
			return nil
		default:
			return err
		}
	}

	var rewrites []Rewrite

	// a vendored dylib gets a loader-relative identity once, so later
	// consumers that link against it see a stable name
	if res.ID != "" && res.Role == SharedLibrary && ClassifyReference(res.ID) != AlreadyRelative {
		rewrites = append(rewrites, Rewrite{ID: true, New: "@loader_path/" + filepath.Base(path)})
	}

	for _, ref := range res.Refs {
		switch ClassifyReference(ref.RawPath) {
		case System, AlreadyRelative:
			continue
		case Vendorable:
			basename := filepath.Base(ref.RawPath)
			candidates := CandidatePaths(ref.RawPath, path)
			// a vendored dylib's own dependencies resolve relative to where
			// it originally came from, not the shared-library dir it now
			// lives in
			if orig, ok := e.registry.Entry(filepath.Base(path)); ok {
				candidates = append(candidates, CandidatePaths(ref.RawPath, orig.SourcePath)...)
			}
			if e.conf.DryRun {
				// resolve and follow the closure in place, copy nothing
				src, rerr := resolve(candidates)
				if rerr != nil {
					e.addPending(path, ref.RawPath)
					continue
				}
				e.markDryResolved(basename)
				e.enqueue(src)
				continue
			}
			entry, err := e.registry.Vendor(basename, candidates)
			if err != nil {
				if errors.Is(err, ErrUnresolved) {
					// a consumer processed later may still vendor this
					// basename; decided in the draining retry
					log.Debugf("deferring unresolved reference %s of %s", ref.RawPath, path)
					e.addPending(path, ref.RawPath)
					continue // reference left in place for now
				}
				return err // copy failed: staging tree is not trustworthy
			}
			newRef, err := LoaderRelative(path, entry.DestPath)
			if err != nil {
				e.report.addRewriteFailure(path, ref.RawPath, err)
				continue
			}
			rewrites = append(rewrites, Rewrite{Old: ref.RawPath, New: newRef})
			e.enqueue(entry.DestPath)
		}
	}

	if len(rewrites) == 0 || e.conf.DryRun {
		return nil
	}

	l := e.lockFile(path)
	l.Lock()
	defer l.Unlock()

	if err := e.patch(path, rewrites); err != nil {
		var olds []string
		for _, rw := range rewrites {
			if !rw.ID {
				olds = append(olds, rw.Old)
			}
		}
		log.WithError(err).Warnf("failed to rewrite %s", path)
		e.report.addRewriteFailure(path, strings.Join(olds, ", "), err)
		return nil
	}
	e.markTouched(path)

	return nil
}

// retryPending gives deferred references a second chance against the fully
// populated registry. Whether a basename resolves can depend on which
// consumer's candidate list reaches the source file, so a consumer whose own
// candidates failed must not stay unresolved when a different consumer
// vendored the same basename at some other point in the run. The retry keeps
// the outcome independent of goroutine scheduling and pass order.
func (e *Engine) retryPending() {
	for _, p := range e.drainPending() {
		basename := filepath.Base(p.rawPath)

		if e.conf.DryRun {
			if !e.wasDryResolved(basename) {
				e.report.addUnresolved(p.consumer, basename)
			}
			continue
		}

		entry, ok := e.registry.Entry(basename)
		if !ok {
			log.WithFields(log.Fields{
				"consumer": p.consumer,
				"name":     basename,
			}).Warn("unresolved dependency")
			e.report.addUnresolved(p.consumer, basename)
			continue
		}

		newRef, err := LoaderRelative(p.consumer, entry.DestPath)
		if err != nil {
			e.report.addRewriteFailure(p.consumer, p.rawPath, err)
			continue
		}

		l := e.lockFile(p.consumer)
		l.Lock()
		err = e.patch(p.consumer, []Rewrite{{Old: p.rawPath, New: newRef}})
		l.Unlock()
		if err != nil {
			log.WithError(err).Warnf("failed to rewrite %s", p.consumer)
			e.report.addRewriteFailure(p.consumer, p.rawPath, err)
			continue
		}
		e.markTouched(p.consumer)
	}
}

// confirm is the best-effort Draining pass: re-read every touched binary and
// flag any reference that would still resolve outside the bundle. Guards
// against a missed case; never vetoes the build.
func (e *Engine) confirm() {
	for _, path := range e.touchedPaths() {
		res, err := e.scan(path)
		if err != nil {
			log.WithError(err).Warnf("confirmation rescan failed for %s", path)
			continue
		}
		for _, ref := range res.Refs {
			if ClassifyReference(ref.RawPath) == Vendorable {
				e.report.Residual = append(e.report.Residual,
					fmt.Sprintf("%s -> %s", path, ref.RawPath))
			}
		}
	}
}

// finalize re-signs every touched binary; strictly after all rewriting since
// re-signing before a later mutation would invalidate the signature again
func (e *Engine) finalize() {
	if e.conf.DryRun {
		return
	}
	for _, path := range e.touchedPaths() {
		log.Debugf("re-signing %s", path)
		if err := e.resign(path, e.conf.SignID); err != nil {
			log.WithError(err).Warnf("failed to re-sign %s", path)
			e.report.addSignWarning(path, err)
		}
	}
}

// relinkVenvs replaces venv interpreter symlinks that point outside the
// staging tree with relative symlinks to the bundled runtime interpreter
func (e *Engine) relinkVenvs() error {
	for _, venv := range e.layout.Venvs {
		bins, err := staging.VenvInterpreters(venv)
		if err != nil {
			log.WithError(err).Warnf("failed to list venv interpreters in %s", venv)
			continue
		}
		for _, bin := range bins {
			replaced, err := staging.RelinkVenvInterpreter(e.layout, bin)
			if err != nil {
				return fmt.Errorf("failed to relink venv interpreter %s: %w", bin, err)
			}
			if replaced {
				log.WithField("bin", bin).Info("relinked venv interpreter")
				e.report.addRelinkedSymlink(bin)
			}
		}
	}
	return nil
}
