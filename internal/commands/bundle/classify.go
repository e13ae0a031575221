package bundle

import "strings"

// Classification labels a load-command reference by what the relinker must
// do about it
type Classification int

const (
	// System libraries/frameworks exist on every target machine and are
	// never vendored
	System Classification = iota
	// AlreadyRelative references are expressed relative to the loading
	// binary and need no rewrite
	AlreadyRelative
	// Vendorable references must be resolved, copied into the bundle and
	// rewritten; this is the default since failing to vendor a needed
	// library is worse than a copy attempt that fails resolution
	Vendorable
)

func (c Classification) String() string {
	switch c {
	case System:
		return "system"
	case AlreadyRelative:
		return "relative"
	case Vendorable:
		return "vendorable"
	default:
		return "unknown"
	}
}

// paths dyld resolves out of the shared cache or OS cryptexes on any
// modern macOS install
var systemPrefixes = []string{
	"/usr/lib/",
	"/System/Library/",
	"/System/iOSSupport/",
	"/Library/Apple/",
	"/System/Volumes/Preboot/Cryptexes/",
}

var relativePrefixes = []string{
	"@loader_path",
	"@executable_path",
}

// ClassifyReference labels a raw load-command path; total over all strings,
// no unknown state. Note @rpath references fall through to Vendorable on
// purpose: once relocated they resolve by basename via the side-directory
// probe, same as absolute build-machine paths.
func ClassifyReference(rawPath string) Classification {
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(rawPath, prefix) {
			return System
		}
	}
	for _, prefix := range relativePrefixes {
		if strings.HasPrefix(rawPath, prefix) {
			return AlreadyRelative
		}
	}
	return Vendorable
}
