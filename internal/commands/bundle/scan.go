package bundle

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"

	"github.com/blacktop/relink/internal/magic"
)

// ErrNotMachO marks files that are not Mach-O at all; callers skip these
// silently since most files in a bundle are plain data
var ErrNotMachO = errors.New("not a macho file")

// ErrCorruptBinary marks files that look like Mach-O but fail to parse;
// logged and skipped, never fatal to the run
var ErrCorruptBinary = errors.New("corrupt macho file")

// Role is what a Mach-O binary is within the bundle
type Role int

const (
	Executable Role = iota
	SharedLibrary
	ExtensionModule
)

func (r Role) String() string {
	switch r {
	case Executable:
		return "executable"
	case SharedLibrary:
		return "dylib"
	case ExtensionModule:
		return "extension"
	default:
		return "unknown"
	}
}

// DependencyReference is one LC_LOAD_DYLIB-family entry as originally read
// from a binary; a rewrite produces a new on-disk load command, it never
// mutates one of these
type DependencyReference struct {
	RawPath  string
	Consumer string
}

// ScanResult is everything the closure driver needs to know about one binary
type ScanResult struct {
	Path string
	Role Role
	ID   string // LC_ID_DYLIB name, empty for non-dylibs
	Refs []DependencyReference
}

// Scan classifies a file and, if it is Mach-O, reads its dependency load
// commands. Returns ErrNotMachO for ordinary files and ErrCorruptBinary for
// things that sniff as Mach-O but fail to parse.
func Scan(path string) (*ScanResult, error) {
	if ok, _ := magic.IsMachO(path); !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotMachO)
	}

	var m *macho.File
	if fat, err := macho.OpenFat(path); err == nil { // UNIVERSAL MACHO
		defer fat.Close()
		// load commands are identical across slices for anything a build
		// tree produces; read the first
		m = fat.Arches[0].File
	} else if errors.Is(err, macho.ErrNotFat) {
		m, err = macho.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrCorruptBinary, err)
		}
		defer m.Close()
	} else {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorruptBinary, err)
	}

	res := &ScanResult{
		Path: path,
		Role: roleFor(m),
	}

	if id := m.DylibID(); id != nil {
		res.ID = id.Name
	}

	for _, lib := range m.ImportedLibraries() {
		res.Refs = append(res.Refs, DependencyReference{
			RawPath:  lib,
			Consumer: path,
		})
	}

	return res, nil
}

func roleFor(m *macho.File) Role {
	switch m.FileHeader.Type {
	case types.MH_EXECUTE:
		return Executable
	case types.MH_BUNDLE:
		return ExtensionModule
	default:
		return SharedLibrary
	}
}
