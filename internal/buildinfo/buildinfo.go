package buildinfo

import "fmt"

// Set at link time via -ldflags "-X ...".
var (
	BuildVersion string
	BuildDate    string
	BuildCommit  string
)

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// String returns the build info as a printable block.
func String() string {
	return fmt.Sprintf("Build version: %s\nBuild date: %s\nBuild commit: %s\n",
		orNA(BuildVersion), orNA(BuildDate), orNA(BuildCommit))
}

func Print() {
	fmt.Print(String())
}
