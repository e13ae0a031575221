package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blacktop/relink/internal/utils"
)

// ErrUnresolved means no candidate source satisfied a vendorable basename;
// the run continues but the consumer will likely fail to load at runtime
var ErrUnresolved = errors.New("unresolved dependency")

// VendoredEntry records one dependency copied into the bundle's shared
// library directory; identity is the basename since dyld resolution is
// name-based once relocated
type VendoredEntry struct {
	Basename   string `json:"name"`
	SourcePath string `json:"source"`
	DestPath   string `json:"dest"`
	Copied     bool   `json:"copied"`
	Size       int64  `json:"size"`
}

type regEntry struct {
	mu sync.Mutex
	e  VendoredEntry
}

// Registry owns the basename -> VendoredEntry mapping for a whole run; it
// guarantees each distinct dependency is copied into libsDir at most once
type Registry struct {
	libsDir string

	mu      sync.Mutex
	entries map[string]*regEntry
}

func NewRegistry(libsDir string) *Registry {
	return &Registry{
		libsDir: libsDir,
		entries: make(map[string]*regEntry),
	}
}

// CandidatePaths returns the fixed, ordered list of locations probed to
// resolve a dependency's source file: the raw reference itself when it is
// an absolute path, then beside the consumer, then the consumer's
// .private-libs side directory, then the same directory one level up (for
// the convention where vendor-local libraries live beside their owning
// package rather than beside the specific extension module). Deliberately
// nothing else; widening this list silently vendors unintended files.
func CandidatePaths(rawPath, consumer string) []string {
	basename := filepath.Base(rawPath)
	consumerDir := filepath.Dir(consumer)
	candidates := make([]string, 0, 4)
	if filepath.IsAbs(rawPath) {
		candidates = append(candidates, rawPath)
	}
	return append(candidates,
		filepath.Join(consumerDir, basename),
		filepath.Join(consumerDir, ".private-libs", basename),
		filepath.Join(consumerDir, "..", ".private-libs", basename),
	)
}

// Vendor resolves and copies a dependency, or returns the existing entry if
// this basename was already vendored (the de-duplication short-circuit).
// Safe to call concurrently; copies for the same basename are serialized on
// a per-entry lock so two consumers racing on the same not-yet-vendored
// dependency never copy twice or read a half-written file.
func (r *Registry) Vendor(basename string, candidates []string) (VendoredEntry, error) {
	r.mu.Lock()
	ent, ok := r.entries[basename]
	if !ok {
		ent = &regEntry{e: VendoredEntry{
			Basename: basename,
			DestPath: filepath.Join(r.libsDir, basename),
		}}
		r.entries[basename] = ent
	}
	r.mu.Unlock()

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.e.Copied {
		return ent.e, nil
	}

	src, err := resolve(candidates)
	if err != nil {
		return VendoredEntry{}, fmt.Errorf("%w: %s: %v", ErrUnresolved, basename, err)
	}

	n, err := utils.Cp(src, ent.e.DestPath)
	if err != nil {
		return VendoredEntry{}, fmt.Errorf("failed to vendor %s: %w", basename, err)
	}

	ent.e.SourcePath = src
	ent.e.Size = n
	ent.e.Copied = true

	return ent.e, nil
}

func resolve(candidates []string) (string, error) {
	for _, candidate := range candidates {
		if fi, err := os.Lstat(candidate); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				if real, err := utils.ResolveSymlinks(candidate); err == nil {
					return real, nil
				}
				continue // dangling symlink
			}
			if fi.Mode().IsRegular() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("not found in %d candidate locations", len(candidates))
}

// Entry returns the vendored entry for a basename if present
func (r *Registry) Entry(basename string) (VendoredEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ent, ok := r.entries[basename]; ok {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return ent.e, ent.e.Copied
	}
	return VendoredEntry{}, false
}

// Entries returns every copied entry sorted by basename
func (r *Registry) Entries() []VendoredEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]VendoredEntry, 0, len(r.entries))
	for _, ent := range r.entries {
		ent.mu.Lock()
		if ent.e.Copied {
			out = append(out, ent.e)
		}
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Basename < out[j].Basename })
	return out
}

// BytesCopied totals the size of every vendored file
func (r *Registry) BytesCopied() (total int64) {
	for _, e := range r.Entries() {
		total += e.Size
	}
	return
}
