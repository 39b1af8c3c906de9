package channel

import "strings"

// ReportPrefix starts the line a worker prints once it is accepting
// connections.
const ReportPrefix = "SIMWORKER LISTENING "

// FormatReport returns the readiness line for address, without a newline.
func FormatReport(address string) string {
	return ReportPrefix + address
}

// ParseReport extracts the address from a readiness line. It reports false
// for any other line.
func ParseReport(line string) (string, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, ReportPrefix)
	if !ok {
		return "", false
	}
	addr := strings.TrimSpace(rest)
	return addr, addr != ""
}
