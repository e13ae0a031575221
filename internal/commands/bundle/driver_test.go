package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/relink/pkg/staging"
)

const testInfoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>MyApp</string>
</dict>
</plist>
`

// fakeMacho stands in for the engine's scan/patch/resign seams: a set of
// synthetic binaries whose load commands live in memory, with patch mutating
// them the way a real rewrite would. Lets the closure logic run on trees of
// plain files.
type fakeMacho struct {
	mu       sync.Mutex
	bins     map[string]*ScanResult
	patched  map[string][]Rewrite
	resigned []string
}

func newFakeMacho() *fakeMacho {
	return &fakeMacho{
		bins:    make(map[string]*ScanResult),
		patched: make(map[string][]Rewrite),
	}
}

func (f *fakeMacho) add(path string, role Role, id string, refs ...string) {
	res := &ScanResult{Path: path, Role: role, ID: id}
	for _, r := range refs {
		res.Refs = append(res.Refs, DependencyReference{RawPath: r, Consumer: path})
	}
	f.bins[path] = res
}

func (f *fakeMacho) scan(path string) (*ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.bins[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotMachO)
	}
	out := &ScanResult{Path: res.Path, Role: res.Role, ID: res.ID}
	out.Refs = append(out.Refs, res.Refs...)
	return out, nil
}

func (f *fakeMacho) patch(path string, rewrites []Rewrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.bins[path]
	if !ok {
		return fmt.Errorf("%s: unknown binary", path)
	}
	for _, rw := range rewrites {
		if rw.ID {
			res.ID = rw.New
			continue
		}
		for i := range res.Refs {
			if res.Refs[i].RawPath == rw.Old {
				res.Refs[i].RawPath = rw.New
			}
		}
	}
	f.patched[path] = append(f.patched[path], rewrites...)
	return nil
}

func (f *fakeMacho) resign(path, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resigned = append(f.resigned, path)
	return nil
}

func (f *fakeMacho) install(e *Engine) {
	e.scan = f.scan
	e.patch = f.patch
	e.resign = f.resign
}

// stageTree builds a staging layout whose binaries are all plain files; the
// engine must classify them out silently and still run to completion
func stageTree(t *testing.T) *staging.Layout {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "Contents", "Info.plist"), testInfoPlist)
	writeFile(t, filepath.Join(root, "Contents", "MacOS", "MyApp"), "not a macho")
	writeFile(t, filepath.Join(root, "Contents", "Resources", "python", "bin", "python3.12"), "not a macho either")
	writeFile(t, filepath.Join(root, "Contents", "Resources", "venv", "pyvenv.cfg"), "home = /usr/local/bin\n")
	writeFile(t, filepath.Join(root, "Contents", "Resources", "venv", "lib", "python3.12", "site-packages", "pkg", "ext.so"), "fake extension")

	l, err := staging.Discover(root, filepath.Join("Contents", "Frameworks"))
	require.NoError(t, err)
	return l
}

// stagePackagesTree builds a layout with two sibling extension modules, the
// shape side-directory resolution cares about
func stagePackagesTree(t *testing.T) (l *staging.Layout, pkg1, pkg2 string) {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "Contents", "Info.plist"), testInfoPlist)
	writeFile(t, filepath.Join(root, "Contents", "MacOS", "MyApp"), "not a macho")
	sp := filepath.Join(root, "Contents", "Resources", "lib", "python3.12", "site-packages")
	pkg1 = writeFile(t, filepath.Join(sp, "pkg1", "ext.so"), "ext one")
	pkg2 = writeFile(t, filepath.Join(sp, "pkg2", "ext.so"), "ext two")

	l, err := staging.Discover(root, filepath.Join("Contents", "Frameworks"))
	require.NoError(t, err)
	require.Equal(t, []string{pkg1, pkg2}, l.Extensions)
	return l, pkg1, pkg2
}

func TestEngineRunNoMachos(t *testing.T) {
	layout := stageTree(t)
	eng := NewEngine(&Config{}, layout)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Passes, "one pass over the roots, nothing re-enqueued")
	assert.Empty(t, report.Vendored)
	assert.Empty(t, report.Touched)
	assert.Empty(t, report.Unresolved)
	assert.True(t, report.OK())
}

func TestEngineRunIdempotent(t *testing.T) {
	layout := stageTree(t)

	first, err := NewEngine(&Config{}, layout).Run(context.Background())
	require.NoError(t, err)
	second, err := NewEngine(&Config{}, layout).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Vendored, second.Vendored)
	assert.Equal(t, first.Touched, second.Touched)
}

func TestEngineRunCorruptBinarySkipped(t *testing.T) {
	layout := stageTree(t)
	// make the app executable sniff as Mach-O but fail to parse
	require.NoError(t, os.WriteFile(layout.AppExecutable,
		append([]byte{0xcf, 0xfa, 0xed, 0xfe}, make([]byte, 16)...), 0755))

	report, err := NewEngine(&Config{}, layout).Run(context.Background())
	require.NoError(t, err, "a corrupt binary is skipped, never fatal")
	assert.Contains(t, report.Skipped, layout.AppExecutable)
	assert.True(t, report.OK())
}

func TestEngineVendorsAndRewrites(t *testing.T) {
	layout := stageTree(t)
	src := writeFile(t, filepath.Join(t.TempDir(), "libfoo.dylib"), "foo bytes")

	fake := newFakeMacho()
	fake.add(layout.AppExecutable, Executable, "", src)

	eng := NewEngine(&Config{}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	dest := filepath.Join(layout.LibsDir, "libfoo.dylib")
	require.Len(t, report.Vendored, 1)
	assert.Equal(t, dest, report.Vendored[0].DestPath)
	assert.FileExists(t, dest)

	newRef, err := LoaderRelative(layout.AppExecutable, dest)
	require.NoError(t, err)
	require.Len(t, fake.patched[layout.AppExecutable], 1)
	assert.Equal(t, Rewrite{Old: src, New: newRef}, fake.patched[layout.AppExecutable][0])

	assert.Contains(t, report.Touched, layout.AppExecutable)
	assert.Contains(t, fake.resigned, layout.AppExecutable, "re-signed after rewriting")
	assert.True(t, report.OK())
}

func TestEngineCopyOnceAcrossConsumers(t *testing.T) {
	layout, pkg1, pkg2 := stagePackagesTree(t)
	side := filepath.Join(filepath.Dir(filepath.Dir(pkg1)), ".private-libs")
	writeFile(t, filepath.Join(side, "libshared.dylib"), "shared bytes")

	fake := newFakeMacho()
	fake.add(pkg1, ExtensionModule, "", "@rpath/libshared.dylib")
	fake.add(pkg2, ExtensionModule, "", "@rpath/libshared.dylib")

	eng := NewEngine(&Config{}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Vendored, 1, "two consumers, one physical copy")
	assert.True(t, report.Vendored[0].Copied)
	assert.Equal(t, int64(len("shared bytes")), report.BytesCopied)
	assert.Len(t, fake.patched[pkg1], 1)
	assert.Len(t, fake.patched[pkg2], 1)
	assert.ElementsMatch(t, []string{pkg1, pkg2}, report.Touched)
	assert.True(t, report.OK())
}

func TestEngineTransitiveClosure(t *testing.T) {
	layout := stageTree(t)
	srcDir := t.TempDir()
	srcFoo := writeFile(t, filepath.Join(srcDir, "libfoo.dylib"), "foo")
	writeFile(t, filepath.Join(srcDir, ".private-libs", "libbar.dylib"), "bar")

	destFoo := filepath.Join(layout.LibsDir, "libfoo.dylib")
	destBar := filepath.Join(layout.LibsDir, "libbar.dylib")

	fake := newFakeMacho()
	fake.add(layout.AppExecutable, Executable, "", srcFoo)
	// the vendored copy carries libfoo's own load commands: a homebrew-style
	// identity plus a transitive reference that only resolves next to where
	// libfoo originally lived
	fake.add(destFoo, SharedLibrary, "/opt/homebrew/lib/libfoo.dylib", "@rpath/libbar.dylib")

	eng := NewEngine(&Config{}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Vendored, 2)
	assert.FileExists(t, destBar, "transitive dependency vendored via the re-enqueued copy")
	assert.Equal(t, 3, report.Passes)

	assert.Contains(t, fake.patched[destFoo], Rewrite{ID: true, New: "@loader_path/libfoo.dylib"})
	newRef, err := LoaderRelative(destFoo, destBar)
	require.NoError(t, err)
	assert.Contains(t, fake.patched[destFoo], Rewrite{Old: "@rpath/libbar.dylib", New: newRef})
	assert.True(t, report.OK())
}

func TestEngineUnresolvedRetriedAcrossConsumers(t *testing.T) {
	layout, pkg1, pkg2 := stagePackagesTree(t)
	// only pkg2 carries the source; pkg1's own candidates all miss
	writeFile(t, filepath.Join(filepath.Dir(pkg2), ".private-libs", "libshared.dylib"), "shared bytes")

	fake := newFakeMacho()
	fake.add(pkg1, ExtensionModule, "", "@rpath/libshared.dylib")
	fake.add(pkg2, ExtensionModule, "", "@rpath/libshared.dylib")

	// single worker so pkg1 (sorted first, resolving nothing) is always
	// processed before pkg2 vendors the shared basename
	eng := NewEngine(&Config{Workers: 1}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Unresolved, "outcome must not depend on consumer processing order")

	dest := filepath.Join(layout.LibsDir, "libshared.dylib")
	newRef, err := LoaderRelative(pkg1, dest)
	require.NoError(t, err)
	assert.Contains(t, fake.patched[pkg1], Rewrite{Old: "@rpath/libshared.dylib", New: newRef})
	assert.ElementsMatch(t, []string{pkg1, pkg2}, report.Touched)
	assert.Empty(t, report.Residual)
	assert.True(t, report.OK())
}

func TestEngineUnresolvedRecordedWhenNoConsumerResolves(t *testing.T) {
	layout, pkg1, pkg2 := stagePackagesTree(t)

	fake := newFakeMacho()
	fake.add(pkg1, ExtensionModule, "", "@rpath/libmissing.dylib")
	fake.add(pkg2, ExtensionModule, "", "@rpath/libmissing.dylib")

	eng := NewEngine(&Config{}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Unresolved, 2, "one record per failing consumer")
	assert.Equal(t, "libmissing.dylib", report.Unresolved[0].Name)
	assert.Empty(t, report.Touched, "nothing to rewrite, nothing touched")
	assert.False(t, report.OK())
}

func TestEngineDryRunOrderIndependent(t *testing.T) {
	layout, pkg1, pkg2 := stagePackagesTree(t)
	writeFile(t, filepath.Join(filepath.Dir(pkg2), ".private-libs", "libshared.dylib"), "shared bytes")

	fake := newFakeMacho()
	fake.add(pkg1, ExtensionModule, "", "@rpath/libshared.dylib")
	fake.add(pkg2, ExtensionModule, "", "@rpath/libshared.dylib")

	eng := NewEngine(&Config{Workers: 1, DryRun: true}, layout)
	fake.install(eng)

	report, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Unresolved, "pkg2 proves the basename resolvable")
	assert.Empty(t, report.Vendored)
	assert.NoFileExists(t, filepath.Join(layout.LibsDir, "libshared.dylib"))
	assert.Empty(t, fake.patched, "dry run mutates nothing")
	assert.Empty(t, fake.resigned)
}

func TestEngineRelinksVenvLauncher(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Contents", "Info.plist"), testInfoPlist)
	writeFile(t, filepath.Join(root, "Contents", "MacOS", "MyApp"), "not a macho")
	writeFile(t, filepath.Join(root, "Contents", "Resources", "python", "bin", "python3.12"), "bundled interpreter")
	writeFile(t, filepath.Join(root, "Contents", "Resources", "venv", "pyvenv.cfg"), "home = /usr/local/bin\n")
	venvBin := filepath.Join(root, "Contents", "Resources", "venv", "bin", "python3.12")
	require.NoError(t, os.MkdirAll(filepath.Dir(venvBin), 0755))
	require.NoError(t, os.Symlink("/usr/local/bin/python3.12", venvBin))

	layout, err := staging.Discover(root, filepath.Join("Contents", "Frameworks"))
	require.NoError(t, err)

	report, err := NewEngine(&Config{}, layout).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{venvBin}, report.RelinkedLinks)
	target, err := os.Readlink(venvBin)
	require.NoError(t, err)
	assert.False(t, filepath.IsAbs(target), "launcher now points inside the bundle")
}

func TestEngineWorklistDedup(t *testing.T) {
	eng := NewEngine(&Config{}, &staging.Layout{})

	eng.enqueue("/b")
	eng.enqueue("/a")
	eng.enqueue("/b")
	eng.enqueue("/c")

	batch := eng.drainWorklist()
	assert.Equal(t, []string{"/a", "/b", "/c"}, batch, "deduped and deterministically ordered")
	assert.Empty(t, eng.drainWorklist())

	eng.enqueue("/a") // already seen, never reprocessed
	assert.Empty(t, eng.drainWorklist())
}

func TestEngineStateTransitions(t *testing.T) {
	layout := stageTree(t)
	eng := NewEngine(&Config{}, layout)
	assert.Equal(t, stateIdle, eng.state)

	_, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stateDone, eng.state)
}

func TestReportWrite(t *testing.T) {
	r := &Report{Passes: 2, BytesCopied: 1024}
	r.addUnresolved("/staging/ext.so", "libmissing.dylib")
	r.addRewriteFailure("/staging/app", "/opt/lib/libfoo.dylib", errors.New("boom"))
	r.addSignWarning("/staging/app", errors.New("no codesign"))
	r.addRelinkedSymlink("/staging/Contents/Resources/venv/bin/python3.12")
	assert.False(t, r.OK())

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded.Passes)
	require.Len(t, decoded.Unresolved, 1)
	assert.Equal(t, "libmissing.dylib", decoded.Unresolved[0].Name)
	require.Len(t, decoded.RewriteFailures, 1)
	assert.Equal(t, "boom", decoded.RewriteFailures[0].Error)
	require.Len(t, decoded.SignWarnings, 1)
	require.Len(t, decoded.RelinkedLinks, 1)
}

func TestVerifyCleanTree(t *testing.T) {
	layout := stageTree(t)
	violations, err := Verify(layout.Root)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
