package utils

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestUnique(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{
			name: "dupes removed in order",
			in:   []string{"a", "b", "a", "c", "b"},
			want: []string{"a", "b", "c"},
		},
		{
			name: "already unique",
			in:   []string{"x", "y"},
			want: []string{"x", "y"},
		},
		{
			name: "empty",
			in:   []string{},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Unique(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Unique() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCp(t *testing.T) {
	tmp := t.TempDir()

	src := filepath.Join(tmp, "src.dylib")
	if err := os.WriteFile(src, []byte("library bytes"), 0755); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(tmp, "deep", "nested", "dst.dylib")
	n, err := Cp(src, dst)
	if err != nil {
		t.Fatalf("Cp() error: %v", err)
	}
	if n != int64(len("library bytes")) {
		t.Errorf("Cp() copied %d bytes, want %d", n, len("library bytes"))
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "library bytes" {
		t.Errorf("Cp() content = %q", data)
	}

	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm()&0100 == 0 {
		t.Errorf("Cp() lost the exec bit: %v", fi.Mode())
	}
	if fi.Mode().Perm()&0200 == 0 {
		t.Errorf("Cp() destination must stay writable for relinking: %v", fi.Mode())
	}
}

func TestResolveSymlinks(t *testing.T) {
	tmp := t.TempDir()

	real := filepath.Join(tmp, "real.dylib")
	if err := os.WriteFile(real, []byte("real"), 0644); err != nil {
		t.Fatal(err)
	}
	link1 := filepath.Join(tmp, "link1.dylib")
	link2 := filepath.Join(tmp, "link2.dylib")
	if err := os.Symlink(real, link1); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("link1.dylib", link2); err != nil { // relative link
		t.Fatal(err)
	}

	got, err := ResolveSymlinks(link2)
	if err != nil {
		t.Fatalf("ResolveSymlinks() error: %v", err)
	}
	if got != real {
		t.Errorf("ResolveSymlinks() = %q, want %q", got, real)
	}

	if got, err := ResolveSymlinks(real); err != nil || got != real {
		t.Errorf("ResolveSymlinks(regular) = (%q, %v), want identity", got, err)
	}
}
