package clock

import (
	"bufio"
	"os"
	"strings"
)

// DebuggerAttached reports whether a tracer is attached to this process.
// Only Linux exposes this through /proc; elsewhere it reports false.
func DebuggerAttached() bool {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return false
	}
	defer f.Close()

	return tracerAttached(bufio.NewScanner(f))
}

func tracerAttached(scanner *bufio.Scanner) bool {
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "TracerPid:")
		if !ok {
			continue
		}
		pid := strings.TrimSpace(value)
		return pid != "" && pid != "0"
	}
	return false
}
