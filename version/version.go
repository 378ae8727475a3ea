// Package version identifies a build of rpcbridge. Both ends of a session report it when they can't understand each other.
//
// Values are injected at build time, for example:
//
//	go build -ldflags "-X github.com/guseggert/rpcbridge/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

// WireVersion is bumped whenever the envelope encoding changes incompatibly.
const WireVersion = 1

var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

// Identifier is the version string exchanged in mismatch diagnostics.
func Identifier() string {
	return fmt.Sprintf("rpcbridge %s (%s) wire/%d %s %s/%s",
		Version, GitCommit, WireVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
