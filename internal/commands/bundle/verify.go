package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/apex/log"
)

// Violation is a reference that would resolve outside the bundle on a
// target machine
type Violation struct {
	Path string `json:"path"`
	Ref  string `json:"ref"`
}

// Verify walks a finished staging tree and reports every Mach-O reference
// that is neither a System library nor already loader-relative. A relinked
// bundle must come back empty; this is the strict post-hoc check the
// engine's internal draining pass only does best-effort.
func Verify(root string) ([]Violation, error) {
	var violations []Violation
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		res, err := Scan(path)
		if err != nil {
			if errors.Is(err, ErrNotMachO) {
				return nil
			}
			log.WithError(err).Warnf("failed to scan %s", path)
			return nil
		}
		for _, ref := range res.Refs {
			if ClassifyReference(ref.RawPath) == Vendorable {
				violations = append(violations, Violation{Path: path, Ref: ref.RawPath})
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return violations, nil
}
