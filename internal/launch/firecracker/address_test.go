package firecracker

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestHostAddress(t *testing.T) {
	tests := []struct {
		reported string
		want     string
	}{
		{"vsock://7:8020", "fcvsock:/run/vm/vsock.sock?port=8020"},
		{"vsock://:9000", "fcvsock:/run/vm/vsock.sock?port=9000"},
		{"tcp://10.169.0.2:8020", "tcp://10.169.0.2:8020"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := hostAddress(tt.reported, "/run/vm/vsock.sock"); got != tt.want {
			t.Errorf("hostAddress(%q) = %q, want %q", tt.reported, got, tt.want)
		}
	}
}

func TestRewriteReports(t *testing.T) {
	console := strings.NewReader("[    0.000000] Linux version 6.1\n" +
		"SIMWORKER LISTENING vsock://7:8020\n" +
		"worker ready\n")
	r, w := io.Pipe()
	go rewriteReports(console, w, "/run/vm/vsock.sock")

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	want := []string{
		"[    0.000000] Linux version 6.1",
		"SIMWORKER LISTENING fcvsock:/run/vm/vsock.sock?port=8020",
		"worker ready",
	}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("lines = %q\nwant %q", lines, want)
	}
}
