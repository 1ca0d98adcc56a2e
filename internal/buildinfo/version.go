// Package buildinfo holds the release version reported by --version.
package buildinfo

// Version is overridden at build time with
// -ldflags "-X github.com/jmcoimbra/sound2transcript/internal/buildinfo.Version=..."
var Version = "1.0.0"
