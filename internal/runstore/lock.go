package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	LockDirName   = ".c2rust-agent.lock"
	lockOwnerFile = "owner.json"
)

// ErrLocked is returned when another batch holds the root.
var ErrLocked = errors.New("work root is locked by another batch")

type RootLock struct {
	lockDir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	Command   string `json:"command,omitempty"`
}

// AcquireRootLock creates the lock directory inside root. Directory creation
// is atomic, so two processes can never both succeed.
func AcquireRootLock(root, command string) (RootLock, error) {
	target := strings.TrimSpace(root)
	if target == "" {
		return RootLock{}, fmt.Errorf("work root is required")
	}

	lockDir := filepath.Join(target, LockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if os.IsExist(err) {
			ownerPath := filepath.Join(lockDir, lockOwnerFile)
			var owner lockOwner
			if readErr := ReadJSON(ownerPath, &owner); readErr == nil && owner.PID > 0 && owner.CreatedAt != "" {
				return RootLock{}, fmt.Errorf(
					"%w: %s (pid=%d created_at=%s host=%s command=%s); remove %s if no batch is running",
					ErrLocked, target, owner.PID, owner.CreatedAt, owner.Hostname, owner.Command, lockDir,
				)
			}
			return RootLock{}, fmt.Errorf("%w: %s", ErrLocked, target)
		}
		return RootLock{}, fmt.Errorf("acquire lock for %s: %w", target, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
		Command:   command,
	}
	ownerPath := filepath.Join(lockDir, lockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.RemoveAll(lockDir)
		return RootLock{}, fmt.Errorf("write lock owner for %s: %w", target, err)
	}

	return RootLock{lockDir: lockDir}, nil
}

func (l RootLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, lockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.lockDir, err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
