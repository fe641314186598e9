//go:build windows

package device

import "os"

// COM ports carry no permission bits; existence is the best available check.
func canReadWrite(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
