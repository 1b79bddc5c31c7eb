// Package version reports the build identity of the running binary, in
// the same spirit as the teacher's shared/version package.
package version

var (
	gitCommit = "dev"
	buildDate = "unknown"
)

// GetVersion returns a human readable version string for logs and the
// CLI --version flag.
func GetVersion() string {
	return "Vero/" + gitCommit + "/" + buildDate
}
