package detector

import (
	"context"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDAlive returns true if a process with given pid exists and is not a zombie.
// A process we are not permitted to signal still counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}
	ctx := context.Background()
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ok
	}
	// A quickly-exiting, unreaped child shows up as a zombie; treat that as dead.
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false
	}
	return true
}

// ReadPID reads a PID record. Only the first line is significant.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	// pid_t is 32 bits; a wider value would truncate at kill(2).
	n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid pid in %s: %d", path, n)
	}
	return int(n), nil
}

// RecordAlive reads the PID record at path and reports whether that process
// is alive. A missing record is (0, false, nil); an unreadable one is an error.
func RecordAlive(path string) (pid int, alive bool, err error) {
	pid, err = ReadPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pid, PIDAlive(pid), nil
}
