package procmanager

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// processCommandLine shells out to ps for the live command line of pid,
// the same liveness+identity probe the devops process manager uses
// rather than a bare kill(pid, 0) liveness check: a dead pid can be
// recycled by the OS before reconciliation runs, and ps -o command=
// lets us compare against what we persisted instead of merely asking
// "is something alive here".
func processCommandLine(pid int) (string, error) {
	out, err := exec.Command("ps", "-ww", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	line := normalizeCommandLine(string(out))
	if line == "" {
		return "", fmt.Errorf("empty command line for pid %d", pid)
	}
	return line, nil
}

func normalizeCommandLine(command string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(command)), " ")
}

// identityMatches reports whether the process currently running at pid
// has the same command line as expected.
func identityMatches(pid int, expected []string) bool {
	actual, err := processCommandLine(pid)
	if err != nil {
		return false
	}
	return normalizeCommandLine(strings.Join(expected, " ")) == actual
}
