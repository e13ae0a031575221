package bundle

import "testing"

func TestClassifyReference(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want Classification
	}{
		{
			name: "usr lib",
			ref:  "/usr/lib/libSystem.B.dylib",
			want: System,
		},
		{
			name: "system framework",
			ref:  "/System/Library/Frameworks/CoreFoundation.framework/Versions/A/CoreFoundation",
			want: System,
		},
		{
			name: "ios support",
			ref:  "/System/iOSSupport/System/Library/Frameworks/UIKit.framework/UIKit",
			want: System,
		},
		{
			name: "apple library",
			ref:  "/Library/Apple/usr/lib/libfoo.dylib",
			want: System,
		},
		{
			name: "preboot cryptex",
			ref:  "/System/Volumes/Preboot/Cryptexes/OS/usr/lib/libobjc.A.dylib",
			want: System,
		},
		{
			name: "loader relative",
			ref:  "@loader_path/../Frameworks/libfoo.dylib",
			want: AlreadyRelative,
		},
		{
			name: "executable relative",
			ref:  "@executable_path/../Frameworks/libfoo.dylib",
			want: AlreadyRelative,
		},
		{
			name: "rpath falls through to vendorable",
			ref:  "@rpath/libshared.dylib",
			want: Vendorable,
		},
		{
			name: "homebrew",
			ref:  "/opt/homebrew/lib/libssl.3.dylib",
			want: Vendorable,
		},
		{
			name: "usr local",
			ref:  "/usr/local/lib/libzstd.1.dylib",
			want: Vendorable,
		},
		{
			name: "bare name",
			ref:  "libbar.dylib",
			want: Vendorable,
		},
		{
			name: "usr lib prefix but deeper",
			ref:  "/usr/libexec/foo", // NOT /usr/lib/
			want: Vendorable,
		},
		{
			name: "empty string",
			ref:  "",
			want: Vendorable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyReference(tt.ref); got != tt.want {
				t.Errorf("ClassifyReference(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}
