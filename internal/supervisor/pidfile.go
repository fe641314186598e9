package supervisor

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/loykin/flashr/internal/detector"
)

// RecordPath is the location of the PID record for this instance.
func (s *Supervisor) RecordPath() string {
	return filepath.Join(s.cfg.RunDir, s.cfg.Name+".pid")
}

func (s *Supervisor) writeRecord(pid int) error {
	if err := os.MkdirAll(s.cfg.RunDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.RecordPath(), []byte(strconv.Itoa(pid)), 0o600)
}

// removeRecord best-effort
func (s *Supervisor) removeRecord() {
	_ = os.Remove(s.RecordPath())
}

// readLive returns the recorded PID if that process is alive. A record that is
// unreadable or points at a dead process is purged and reported as stale.
func (s *Supervisor) readLive() (pid int, ok bool, stale bool) {
	pid, alive, err := detector.RecordAlive(s.RecordPath())
	if err == nil && pid == 0 {
		return 0, false, false
	}
	if err != nil || !alive {
		s.removeRecord()
		return 0, false, true
	}
	return pid, true, false
}
