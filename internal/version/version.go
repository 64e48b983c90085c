// Package version carries the build version stamped into binaries and
// reported by the health endpoint and registration banner.
package version

// Version is overridable at build time:
//
//	go build -ldflags "-X github.com/jfreed-dev/reach/internal/version.Version=1.2.3"
var Version = "0.1.13"
