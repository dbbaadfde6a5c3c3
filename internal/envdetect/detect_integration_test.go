package envdetect

import (
	"bufio"
	"strings"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	"github.com/oxterm/termcore/internal/sshconn"
	"github.com/oxterm/termcore/internal/sshtest"
)

// scriptedShell answers the two probe phases like a Linux host would.
func scriptedShell(ch gossh.Channel) {
	reader := bufio.NewReader(ch)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case strings.Contains(line, "===DETECT==="):
			ch.Write([]byte("===DETECT===\nPLATFORM=Linux\n===END===\n"))
		case strings.Contains(line, "===ENV==="):
			ch.Write([]byte(sampleUnixOutput))
		}
	}
}

func TestDetectOverShellChannel(t *testing.T) {
	handler := &sshtest.Handler{OnShell: scriptedShell}
	_, client := sshtest.Start(t, handler)
	ctrl := sshconn.Own(client)
	defer ctrl.Disconnect()

	rec := Detect(ctrl)
	if rec.OSType != "Linux" {
		t.Errorf("OSType = %q, want Linux", rec.OSType)
	}
	if rec.Kernel != "6.1.0-18-amd64" {
		t.Errorf("Kernel = %q", rec.Kernel)
	}
	if rec.OSVersion != "Debian GNU/Linux 12 (bookworm)" {
		t.Errorf("OSVersion = %q", rec.OSVersion)
	}
}

func TestDetectDegradesToUnknown(t *testing.T) {
	// A shell that never answers: the probe must time out to Unknown, not
	// hang. (The 8 s budget applies; this test accepts that wait.)
	if testing.Short() {
		t.Skip("skipping slow timeout test in -short mode")
	}

	handler := &sshtest.Handler{OnShell: func(ch gossh.Channel) {
		buf := make([]byte, 1024)
		for {
			if _, err := ch.Read(buf); err != nil {
				return
			}
		}
	}}
	_, client := sshtest.Start(t, handler)
	ctrl := sshconn.Own(client)
	defer ctrl.Disconnect()

	rec := Detect(ctrl)
	if rec.OSType != "Unknown" {
		t.Errorf("OSType = %q, want Unknown", rec.OSType)
	}
}
