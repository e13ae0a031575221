package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RelinkVenvInterpreter fixes the venv special case: a venv's bin/python is
// typically a symlink to the build machine's interpreter, which does not
// exist on a target machine. When bin is a symlink resolving outside the
// staging tree it is replaced with a relative symlink to the bundled
// runtime interpreter. Returns whether a replacement happened.
func RelinkVenvInterpreter(l *Layout, bin string) (bool, error) {
	fi, err := os.Lstat(bin)
	if err != nil {
		return false, err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return false, nil
	}

	target, err := os.Readlink(bin)
	if err != nil {
		return false, err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(bin), target)
	}
	if inside(l.Root, target) {
		return false, nil
	}

	bundled := l.interpreterFor(filepath.Base(bin))
	if bundled == "" {
		// no bundled interpreter to point at; leave the link alone
		return false, nil
	}

	rel, err := filepath.Rel(filepath.Dir(bin), bundled)
	if err != nil {
		return false, err
	}
	if err := os.Remove(bin); err != nil {
		return false, fmt.Errorf("failed to remove symlink %s: %w", bin, err)
	}
	if err := os.Symlink(rel, bin); err != nil {
		return false, fmt.Errorf("failed to create symlink %s -> %s: %w", bin, rel, err)
	}

	return true, nil
}

// interpreterFor picks the bundled interpreter matching a venv bin name
// ("python3.12" over plain "python3" over anything)
func (l *Layout) interpreterFor(name string) string {
	for _, interp := range l.Interpreters {
		if filepath.Base(interp) == name {
			return interp
		}
	}
	for _, interp := range l.Interpreters {
		if strings.HasPrefix(name, filepath.Base(interp)) || strings.HasPrefix(filepath.Base(interp), name) {
			return interp
		}
	}
	if len(l.Interpreters) > 0 {
		return l.Interpreters[0]
	}
	return ""
}

func inside(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
