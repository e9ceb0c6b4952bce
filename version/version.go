package version

import (
	"fmt"
	"runtime"
)

// Stamped at build time via -ldflags.
var (
	Version  = "unknown"
	Revision = "HEAD"
	BuiltAt  = "now"
)

func String() string {
	return fmt.Sprintf("vdisk %s (%s, built %s, %s %s/%s)\n",
		Version, Revision, BuiltAt, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
