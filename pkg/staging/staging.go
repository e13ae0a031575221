package staging

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/bmatcuk/doublestar/v4"
)

// patterns matched (relative to the staging root) when seeding the scan
// worklist; kept deliberately small so we never pick up data files that
// merely look like binaries
var (
	interpreterPatterns = []string{
		"**/bin/python*",
	}
	extensionPatterns = []string{
		"**/site-packages/**/*.so",
		"**/site-packages/**/*.dylib",
		"**/lib-dynload/*.so",
	}
)

// AppInfo is the subset of the .app Info.plist we care about
type AppInfo struct {
	CFBundleExecutable string `plist:"CFBundleExecutable,omitempty"`
	CFBundleIdentifier string `plist:"CFBundleIdentifier,omitempty"`
	CFBundleName       string `plist:"CFBundleName,omitempty"`
}

// ParseAppInfo parses an .app Info.plist
func ParseAppInfo(data []byte) (*AppInfo, error) {
	i := &AppInfo{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(i); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return i, nil
}

// Layout describes a staged application bundle tree
type Layout struct {
	Root          string   // the staging directory (contains Contents/)
	AppExecutable string   // main executable (from CFBundleExecutable)
	Interpreters  []string // embedded runtime interpreter binaries
	Extensions    []string // native extension modules (site-packages, lib-dynload)
	Venvs         []string // isolated-environment roots (dirs holding pyvenv.cfg)
	LibsDir       string   // destination shared-library directory (absolute)
}

// Roots returns the seed set for the relink worklist
func (l *Layout) Roots() []string {
	roots := make([]string, 0, 1+len(l.Interpreters)+len(l.Extensions))
	if l.AppExecutable != "" {
		roots = append(roots, l.AppExecutable)
	}
	roots = append(roots, l.Interpreters...)
	roots = append(roots, l.Extensions...)
	return roots
}

// Discover walks a staging directory and locates the main executable, the
// embedded interpreter(s) and every native extension module. libsDir is the
// bundle-relative shared-library directory vendored dylibs get copied to
// (created lazily by the first copy, not here).
func Discover(root, libsDir string) (*Layout, error) {
	root = filepath.Clean(root)
	if fi, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("failed to stat staging directory %s: %w", root, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("staging path %s is not a directory", root)
	}

	l := &Layout{
		Root:    root,
		LibsDir: filepath.Join(root, libsDir),
	}

	appExe, err := mainExecutable(root)
	if err != nil {
		return nil, err
	}
	l.AppExecutable = appExe

	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".private-libs" {
				// side-directory sources are copied by the registry, never
				// seeded as scan roots
				return fs.SkipDir
			}
			if _, err := os.Stat(filepath.Join(path, "pyvenv.cfg")); err == nil {
				l.Venvs = append(l.Venvs, path)
			}
			return nil
		}
		for _, pattern := range interpreterPatterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				// only real files; venv symlinks are handled separately
				if fi, err := os.Lstat(path); err == nil && fi.Mode().IsRegular() {
					l.Interpreters = append(l.Interpreters, path)
				}
				return nil
			}
		}
		for _, pattern := range extensionPatterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				l.Extensions = append(l.Extensions, path)
				return nil
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to walk staging directory %s: %w", root, err)
	}

	// deterministic seed order keeps repeated runs byte-identical
	sort.Strings(l.Interpreters)
	sort.Strings(l.Extensions)
	sort.Strings(l.Venvs)

	return l, nil
}

// mainExecutable resolves the bundle's main binary via Info.plist, falling
// back to a lone file in Contents/MacOS
func mainExecutable(root string) (string, error) {
	infoPath := filepath.Join(root, "Contents", "Info.plist")
	if data, err := os.ReadFile(infoPath); err == nil {
		ainfo, err := ParseAppInfo(data)
		if err != nil {
			return "", fmt.Errorf("failed to parse %s: %w", infoPath, err)
		}
		if ainfo.CFBundleExecutable != "" {
			return filepath.Join(root, "Contents", "MacOS", ainfo.CFBundleExecutable), nil
		}
	}

	macosDir := filepath.Join(root, "Contents", "MacOS")
	entries, err := os.ReadDir(macosDir)
	if err != nil {
		return "", fmt.Errorf("failed to find CFBundleExecutable or %s: %w", macosDir, err)
	}
	var candidates []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			candidates = append(candidates, filepath.Join(macosDir, e.Name()))
		}
	}
	if len(candidates) != 1 {
		return "", fmt.Errorf("cannot determine main executable in %s (found %d candidates)", macosDir, len(candidates))
	}
	return candidates[0], nil
}

// VenvInterpreters returns the python binaries inside a venv's bin directory,
// symlinks included (the whole point is to find the dangling ones)
func VenvInterpreters(venv string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(venv, "bin"))
	if err != nil {
		return nil, err
	}
	var bins []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "python") {
			bins = append(bins, filepath.Join(venv, "bin", e.Name()))
		}
	}
	sort.Strings(bins)
	return bins, nil
}
