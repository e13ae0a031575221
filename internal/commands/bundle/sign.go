package bundle

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	cstypes "github.com/blacktop/go-macho/pkg/codesign/types"
)

// Resign applies a fresh ad-hoc signature to a binary whose load commands
// were rewritten (any mutation invalidates the existing Mach-O signature).
// Must run strictly after all rewriting is done. id defaults to the file's
// basename when empty.
func Resign(path, id string) error {
	if id == "" {
		id = filepath.Base(path)
	}

	conf := &codesign.Config{
		ID:    id,
		Flags: cstypes.ADHOC,
	}

	if fat, err := macho.OpenFat(path); err == nil { // UNIVERSAL MACHO
		fat.Close()
		return fmt.Errorf("universal machos are not supported yet")
	} else if !errors.Is(err, macho.ErrNotFat) {
		return fmt.Errorf("failed to open MachO file: %v", err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.CodeSign(conf); err != nil {
		return fmt.Errorf("failed to codesign MachO file: %v", err)
	}

	if err := m.Save(path); err != nil {
		return fmt.Errorf("failed to save signed MachO file: %v", err)
	}

	return nil
}
