package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s (%s, %s)", Version, Commit, Date)
}

// UserAgent is sent on outbound provider requests.
func UserAgent() string {
	return "deepread/" + Version
}
