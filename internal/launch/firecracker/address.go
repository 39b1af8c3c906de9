package firecracker

import (
	"bufio"
	"io"

	"github.com/seantiz/simproxy/internal/channel"
)

// hostAddress maps an address reported from inside the VM to the host-side
// vsock bridge socket. Anything that is not a vsock address is returned
// unchanged.
func hostAddress(reported, udsPath string) string {
	addr, err := channel.ParseAddress(reported)
	if err != nil || addr.Network != channel.NetworkVsock {
		return reported
	}
	return channel.Address{Network: channel.NetworkFCVsock, Path: udsPath, Port: addr.Port}.String()
}

// rewriteReports copies console output from r to w line by line, replacing
// the address in readiness lines with the host-side bridge address. It closes
// w when r is exhausted.
func rewriteReports(r io.Reader, w *io.PipeWriter, udsPath string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if reported, ok := channel.ParseReport(line); ok {
			line = channel.FormatReport(hostAddress(reported, udsPath))
		}
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
	}
	w.CloseWithError(scanner.Err())
}
