package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanNotMachO(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "README.md")
	require.NoError(t, os.WriteFile(path, []byte("# hello\n"), 0644))

	_, err := Scan(path)
	assert.ErrorIs(t, err, ErrNotMachO)
}

func TestScanMissingFile(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotMachO, "unreadable files are skipped, not errors")
}

func TestScanCorruptBinary(t *testing.T) {
	tmp := t.TempDir()

	// valid 64-bit magic followed by garbage
	thin := filepath.Join(tmp, "thin")
	require.NoError(t, os.WriteFile(thin, append([]byte{0xcf, 0xfa, 0xed, 0xfe}, make([]byte, 16)...), 0755))
	_, err := Scan(thin)
	assert.ErrorIs(t, err, ErrCorruptBinary)

	// truncated fat header
	fat := filepath.Join(tmp, "fat")
	require.NoError(t, os.WriteFile(fat, []byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00}, 0755))
	_, err = Scan(fat)
	assert.ErrorIs(t, err, ErrCorruptBinary)
}
