// ABOUTME: Resolves the identity an agent reports under, allocating one on first start.
// ABOUTME: The chosen identity is kept in a small file so it survives restarts.

package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/tether/internal/identity"
)

// ResolveIdentity returns the agent's identity. An identity already stored
// at idPath is reused. Otherwise one is allocated from the log at logPath
// and written to idPath. A temporary identity from an exhausted or
// unwritable log is returned but not stored, so the next start tries again.
func ResolveIdentity(idPath, logPath string, logger *slog.Logger) (identity.Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(idPath)
	switch {
	case err == nil:
		id, err := identity.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return "", fmt.Errorf("reading agent identity from %s: %w", idPath, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading agent identity: %w", err)
	}

	alloc, err := identity.Open(logPath, identity.WithLogger(logger))
	if err != nil {
		return "", err
	}

	id, err := alloc.Allocate()
	if err != nil {
		logger.Warn("using temporary identity", "agent_id", id, "error", err)
		return id, nil
	}

	if err := os.MkdirAll(filepath.Dir(idPath), 0755); err != nil {
		return "", fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(idPath, []byte(string(id)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("storing agent identity: %w", err)
	}
	logger.Info("allocated agent identity", "agent_id", id, "path", idPath)
	return id, nil
}
