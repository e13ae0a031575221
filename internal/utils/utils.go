package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log/handlers/cli"
)

var normalPadding = cli.Default.Padding

// Indent returns a log func that prints padded to the given level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// Cp copies a file from src to dst preserving the source's permission bits
// and returns the number of bytes copied
func Cp(src, dst string) (int64, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return 0, err
	}

	from, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer from.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}

	to, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm()|0200)
	if err != nil {
		return 0, err
	}
	defer to.Close()

	return io.Copy(to, from)
}

// ResolveSymlinks follows a chain of symlinks until it hits a regular file
func ResolveSymlinks(path string) (string, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		if fi.Mode().IsRegular() {
			return path, nil
		}
		return "", fmt.Errorf("%s is not a regular file or symlink", path)
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return ResolveSymlinks(target)
}

// Unique returns a slice with all duplicates removed (preserving order)
func Unique(s []string) []string {
	seen := make(map[string]bool, len(s))
	out := s[:0]
	for _, val := range s {
		if !seen[val] {
			seen[val] = true
			out = append(out, val)
		}
	}
	return out
}
