package version

// Version is the build version string reported as the MCP server's
// implementation version.
//
// It is typically set at build time via:
//
//	-ldflags "-X github.com/localcontainers/containerd/internal/version.Version=<version>"
//
// The default is "dev".
var Version = "dev"
