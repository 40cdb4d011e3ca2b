//go:build !windows

package runner

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"syscall"
)

// credential carries the uid/gid switch applied in the forked child.
type credential = syscall.Credential

// shellCommand wraps a script body for the POSIX shell.
func shellCommand(script string) (string, []string) {
	return "/bin/bash", []string{"-c", script}
}

// accountContext resolves the credential and home directory for running as
// account. No credential is returned when the process already is that
// account; switching any further requires the superuser.
func accountContext(account string) (*credential, string, error) {
	if account == "" {
		return nil, "", nil
	}
	u, err := user.Lookup(account)
	if err != nil {
		return nil, "", fmt.Errorf("account %s does not exist, cannot execute task", account)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, "", fmt.Errorf("account %s has non-numeric uid %q", account, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, "", fmt.Errorf("account %s has non-numeric gid %q", account, u.Gid)
	}

	if os.Geteuid() == uid {
		return nil, u.HomeDir, nil
	}
	if os.Geteuid() != 0 {
		return nil, "", ErrPermissionDenied
	}

	groups := []uint32{uint32(gid)}
	if groupIDs, err := u.GroupIds(); err == nil {
		seen := map[uint32]bool{uint32(gid): true}
		for _, g := range groupIDs {
			n, err := strconv.Atoi(g)
			if err != nil {
				continue
			}
			if !seen[uint32(n)] {
				seen[uint32(n)] = true
				groups = append(groups, uint32(n))
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	return &credential{
		Uid:    uint32(uid),
		Gid:    uint32(gid),
		Groups: groups,
	}, u.HomeDir, nil
}

// applyCredential arranges the gid/groups/uid switch in the forked child
// before exec.
func applyCredential(cmd *exec.Cmd, cred *credential) {
	if cred == nil {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
}
