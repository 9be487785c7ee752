// Package common holds process-wide helpers shared by the binaries: logger
// construction and build metadata.
package common

// PackageName is used as the metrics namespace and the default log service tag.
const PackageName = "identity_lifecycle"

// Version is overwritten at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
