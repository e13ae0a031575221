package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
)

// UnresolvedRecord flags a consumer whose dependency could not be resolved
// anywhere in the probed candidate locations; the build still completes but
// that binary will fail to load on a target machine
type UnresolvedRecord struct {
	Consumer string `json:"consumer"`
	Name     string `json:"name"`
}

// RewriteFailure records a reference left unpatched (the binary keeps its
// original, non-portable reference)
type RewriteFailure struct {
	Consumer string `json:"consumer"`
	Ref      string `json:"ref"`
	Error    string `json:"error"`
}

// SignWarning records a binary that could not be re-signed; it may still run
// locally but stricter Gatekeeper policies will reject it
type SignWarning struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Report is the machine-readable summary of one relink run
type Report struct {
	mu sync.Mutex

	Vendored        []VendoredEntry    `json:"vendored"`
	Unresolved      []UnresolvedRecord `json:"unresolved,omitempty"`
	RewriteFailures []RewriteFailure   `json:"rewrite_failures,omitempty"`
	SignWarnings    []SignWarning      `json:"sign_warnings,omitempty"`
	Touched         []string           `json:"touched"`
	RelinkedLinks   []string           `json:"relinked_symlinks,omitempty"` // venv launchers retargeted
	Skipped         []string           `json:"skipped,omitempty"`           // corrupt binaries
	Residual        []string           `json:"residual,omitempty"`
	Passes          int                `json:"passes"`
	BytesCopied     int64              `json:"bytes_copied"`
}

func (r *Report) addUnresolved(consumer, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Unresolved = append(r.Unresolved, UnresolvedRecord{Consumer: consumer, Name: name})
}

func (r *Report) addRewriteFailure(consumer, ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RewriteFailures = append(r.RewriteFailures, RewriteFailure{Consumer: consumer, Ref: ref, Error: err.Error()})
}

func (r *Report) addSignWarning(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SignWarnings = append(r.SignWarnings, SignWarning{Path: path, Error: err.Error()})
}

func (r *Report) addRelinkedSymlink(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RelinkedLinks = append(r.RelinkedLinks, path)
}

func (r *Report) addSkipped(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Skipped = append(r.Skipped, path)
}

// OK reports whether the run completed without anything that could break
// the bundle at runtime on a target machine
func (r *Report) OK() bool {
	return len(r.Unresolved) == 0 && len(r.RewriteFailures) == 0 && len(r.Residual) == 0
}

// Write dumps the report as JSON
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Log prints the human summary
func (r *Report) Log() {
	log.WithFields(log.Fields{
		"vendored": len(r.Vendored),
		"touched":  len(r.Touched),
		"passes":   r.Passes,
		"copied":   humanize.Bytes(uint64(r.BytesCopied)),
	}).Info("relink complete")
	for _, u := range r.Unresolved {
		log.WithFields(log.Fields{
			"consumer": u.Consumer,
			"name":     u.Name,
		}).Warn("unresolved dependency (will fail to load on target machines)")
	}
	for _, f := range r.RewriteFailures {
		log.WithFields(log.Fields{
			"consumer": f.Consumer,
			"ref":      f.Ref,
		}).Warn("reference left unpatched")
	}
	for _, w := range r.SignWarnings {
		log.WithFields(log.Fields{
			"path": w.Path,
		}).Warn("failed to re-sign")
	}
	for _, res := range r.Residual {
		log.WithField("path", res).Warn("residual absolute reference")
	}
}
