package sandbox

import (
	"fmt"
	"os"
	"strings"
)

// WriteProfile renders a seatbelt profile that denies all writes, then
// re-allows the working tree and the usual scratch locations. Reads and
// network stay unrestricted.
func WriteProfile(cwd, dataDir string) string {
	allowed := []string{
		cwd,
		"/tmp",
		"/private/tmp",
		"/dev",
		"/private/var/folders",
	}
	if dataDir != "" {
		allowed = append(allowed, dataDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		allowed = append(allowed, home+"/.whale")
	}

	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	sb.WriteString("(allow default)\n")
	sb.WriteString("(deny file-write*)\n")
	for _, dir := range allowed {
		fmt.Fprintf(&sb, "(allow file-write* (subpath %q))\n", dir)
	}
	return sb.String()
}
