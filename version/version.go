// Package version will be auto-generated using version/cmd/generate.go on non-release builds.
package version

// GitSummary will be the output of "git describe --tags --dirty --always"
// For release builds, manually edit this to reflect the released version tag.
const GitSummary = "v0.1.0"

// GitBranch will be the output of "git symbolic-ref -q --short HEAD"
// For release builds this should be left empty.
const GitBranch = ""
