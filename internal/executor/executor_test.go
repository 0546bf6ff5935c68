// ABOUTME: Tests for the shell executor.
// ABOUTME: Runs real bash processes and checks the text rendered for each outcome.

package executor

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBash(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bash tests run on unix hosts")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
}

func TestExecuteBash(t *testing.T) {
	requireBash(t)
	ex := New(5*time.Second, nil)

	t.Run("stdout on success", func(t *testing.T) {
		assert.Equal(t, "hi\n", ex.Execute(context.Background(), ShellBash, "echo hi"))
	})

	t.Run("stderr on failure", func(t *testing.T) {
		out := ex.Execute(context.Background(), ShellBash, "echo boom >&2; exit 3")
		assert.Equal(t, "Error: boom\n", out)
	})

	t.Run("bash syntax", func(t *testing.T) {
		out := ex.Execute(context.Background(), ShellBash, "for i in 1 2 3; do printf $i; done")
		assert.Equal(t, "123", out)
	})

	t.Run("empty output", func(t *testing.T) {
		assert.Equal(t, "", ex.Execute(context.Background(), ShellBash, "true"))
	})
}

func TestExecuteTimeout(t *testing.T) {
	requireBash(t)
	ex := New(100*time.Millisecond, nil)

	start := time.Now()
	out := ex.Execute(context.Background(), ShellBash, "sleep 10")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, strings.HasPrefix(out, "Error: timed out"), "got %q", out)
}

func TestExecuteUnsupportedShell(t *testing.T) {
	ex := New(time.Second, nil)
	out := ex.Execute(context.Background(), "zsh", "echo hi")
	assert.Equal(t, `Error: unsupported shell: "zsh"`, out)
}

func TestPowerShellWithoutPwsh(t *testing.T) {
	ex := New(time.Second, nil)
	ex.goos = "linux"
	ex.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	out := ex.Execute(context.Background(), ShellPowerShell, "Get-Date")
	assert.Equal(t, "Error: unsupported shell: powershell is not installed on linux", out)
}

func TestCommandSelection(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		goos     string
		shell    string
		wantArgs []string
	}{
		{"bash on linux", "linux", ShellBash, []string{"/bin/bash", "-c", "x"}},
		{"bash on windows uses cmd", "windows", ShellBash, []string{"cmd.exe", "/c", "x"}},
		{"powershell on windows", "windows", ShellPowerShell, []string{"powershell.exe", "-NoProfile", "-Command", "x"}},
		{"pwsh elsewhere", "darwin", ShellPowerShell, []string{"/usr/local/bin/pwsh", "-NoProfile", "-Command", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(time.Second, nil)
			ex.goos = tt.goos
			ex.lookPath = func(string) (string, error) { return "/usr/local/bin/pwsh", nil }

			cmd, err := ex.command(ctx, tt.shell, "x")
			require.NoError(t, err)
			assert.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestExecuteHonoursCallerContext(t *testing.T) {
	requireBash(t)
	ex := New(time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := ex.Execute(ctx, ShellBash, "sleep 10")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, "", out)
}
