package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

func pointerAlign(sz uint32) uint32 {
	if (sz % 8) != 0 {
		sz += 8 - (sz % 8)
	}
	return sz
}

// LoaderRelative expresses dest relative to the consumer binary's own
// directory using the @loader_path marker, so the reference stays correct
// wherever the bundle is later moved on disk
func LoaderRelative(consumer, dest string) (string, error) {
	rel, err := filepath.Rel(filepath.Dir(consumer), dest)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s against %s: %w", dest, consumer, err)
	}
	return "@loader_path/" + filepath.ToSlash(rel), nil
}

// Rewrite is one load-command mutation to apply to a consumer binary
type Rewrite struct {
	Old string // reference as currently recorded
	New string // loader-relative replacement
	ID  bool   // rewrite LC_ID_DYLIB instead of a load command
}

// Patch opens a binary, applies every rewrite to its load commands and saves
// it back in place. Load-command string slots are fixed-size, so each
// rewrite recomputes the pointer-aligned command length and fixes up
// sizeofcmds; go-macho rebuilds the command region on Save.
func Patch(path string, rewrites []Rewrite) error {
	if fat, err := macho.OpenFat(path); err == nil {
		fat.Close()
		return fmt.Errorf("universal machos are not supported yet")
	} else if !errors.Is(err, macho.ErrNotFat) {
		return fmt.Errorf("%s: %w: %v", path, ErrCorruptBinary, err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", path, ErrCorruptBinary, err)
	}
	defer m.Close()

	for _, rw := range rewrites {
		if rw.ID {
			if err := rewriteID(m, rw.New); err != nil {
				return err
			}
		} else {
			if err := rewriteLoad(m, rw.Old, rw.New); err != nil {
				return err
			}
		}
	}

	if err := m.Save(path); err != nil {
		return fmt.Errorf("failed to save %s: %v", path, err)
	}

	return nil
}

func rewriteLoad(m *macho.File, oldName, newName string) error {
	newLen := pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(newName) + 1))
	var found bool
	for _, loadCommand := range []string{
		"LC_LOAD_DYLIB",
		"LC_LOAD_WEAK_DYLIB",
		"LC_REEXPORT_DYLIB",
		"LC_LAZY_LOAD_DYLIB",
		"LC_LOAD_UPWARD_DYLIB",
	} {
		for _, lc := range m.GetLoadsByName(loadCommand) {
			switch c := lc.(type) {
			case *macho.LoadDylib:
				if c.Name != oldName {
					continue
				}
				prevLen := int32(c.Len)
				c.Len = newLen
				c.Name = newName
				m.ModifySizeCommands(prevLen, int32(c.Len))
				found = true
			case *macho.WeakDylib:
				if c.Name != oldName {
					continue
				}
				prevLen := int32(c.Len)
				c.Len = newLen
				c.Name = newName
				m.ModifySizeCommands(prevLen, int32(c.Len))
				found = true
			case *macho.ReExportDylib:
				if c.Name != oldName {
					continue
				}
				prevLen := int32(c.Len)
				c.Len = newLen
				c.Name = newName
				m.ModifySizeCommands(prevLen, int32(c.Len))
				found = true
			case *macho.LazyLoadDylib:
				if c.Name != oldName {
					continue
				}
				prevLen := int32(c.Len)
				c.Len = newLen
				c.Name = newName
				m.ModifySizeCommands(prevLen, int32(c.Len))
				found = true
			case *macho.UpwardDylib:
				if c.Name != oldName {
					continue
				}
				prevLen := int32(c.Len)
				c.Len = newLen
				c.Name = newName
				m.ModifySizeCommands(prevLen, int32(c.Len))
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("failed to find load command referencing %s", oldName)
	}
	return nil
}

func rewriteID(m *macho.File, newID string) error {
	lcs := m.GetLoadsByName("LC_ID_DYLIB")
	if len(lcs) == 0 {
		return fmt.Errorf("failed to find LC_ID_DYLIB")
	}
	for _, lc := range lcs {
		id, ok := lc.(*macho.IDDylib)
		if !ok {
			return fmt.Errorf("unexpected LC_ID_DYLIB type %T", lc)
		}
		prevLen := int32(id.Len)
		id.Len = pointerAlign(uint32(binary.Size(types.DylibCmd{}) + len(newID) + 1))
		id.Name = newID
		m.ModifySizeCommands(prevLen, int32(id.Len))
	}
	return nil
}
