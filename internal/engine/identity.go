package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nathangokul/grakn/internal/task"
)

// LoadOrCreateEngineID reads the process's engine identity from path,
// generating and persisting a fresh one on first boot. A stable identity
// across restarts is what lets crash recovery find the tasks this process
// owned before it died.
func LoadOrCreateEngineID(path string) (task.EngineID, error) {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return task.EngineID(id), nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read engine identity %s: %w", path, err)
	}

	id := task.NewEngineID()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist engine identity %s: %w", path, err)
	}
	return id, nil
}
