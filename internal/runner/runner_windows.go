//go:build windows

package runner

import (
	"os/exec"
	"os/user"
)

// credential is unused on Windows; account switching is unsupported.
type credential struct{}

// shellCommand wraps a script body for a non-interactive PowerShell with the
// execution policy bypassed.
func shellCommand(script string) (string, []string) {
	return "powershell", []string{"-NoLogo", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command", script}
}

// accountContext fails fast when a switch would be needed: Windows has no
// fork-then-privilege-drop, so only the current account may run tasks.
func accountContext(account string) (*credential, string, error) {
	current, err := user.Current()
	if err != nil {
		return nil, "", nil
	}
	if account != "" && account != current.Username {
		return nil, "", ErrPermissionDenied
	}
	return nil, current.HomeDir, nil
}

func applyCredential(cmd *exec.Cmd, cred *credential) {}
