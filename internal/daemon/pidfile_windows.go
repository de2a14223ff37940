//go:build windows

package daemon

import "os"

// processAlive is best-effort on Windows: FindProcess only fails for
// processes that no longer exist.
func processAlive(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
