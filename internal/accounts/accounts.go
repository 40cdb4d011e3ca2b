// Package accounts resolves which operating-system accounts may own and
// execute scheduler tasks. The allowed set is the union of accounts whose
// primary group id is allow-listed and accounts listed as members of an
// allow-listed group.
package accounts

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// allowedGroupIDs is the fixed allow-list of group ids whose accounts may run
// tasks: root plus the first two regular user groups.
var allowedGroupIDs = []int{0, 1000, 1001}

var (
	// ErrNoAllowedAccounts is returned when the POSIX account database holds
	// no account in any allow-listed group.
	ErrNoAllowedAccounts = errors.New("no allowed accounts found in system groups 0/1000/1001")

	// ErrAccountNotAllowed is returned for accounts outside the allow-list.
	ErrAccountNotAllowed = errors.New("account must belong to system groups 0/1000/1001")
)

// Directory reads the OS account database and answers allow-list queries.
// The passwd and group paths are injectable for tests.
type Directory struct {
	passwdPath     string
	groupPath      string
	posix          bool
	defaultAccount string
}

// NewDirectory creates a directory over the host account database.
func NewDirectory() *Directory {
	return NewDirectoryWithPaths("/etc/passwd", "/etc/group")
}

// NewDirectoryWithPaths creates a directory over explicit passwd/group files.
func NewDirectoryWithPaths(passwdPath, groupPath string) *Directory {
	posix := runtime.GOOS != "windows"
	if posix {
		if _, err := os.Stat(passwdPath); err != nil {
			posix = false
		}
	}
	return &Directory{
		passwdPath:     passwdPath,
		groupPath:      groupPath,
		posix:          posix,
		defaultAccount: detectDefaultAccount(),
	}
}

// detectDefaultAccount deduces the fallback account for hosts without a POSIX
// account database, in fixed precedence order.
func detectDefaultAccount() string {
	for _, key := range []string{"SCHEDULER_DEFAULT_ACCOUNT", "USERNAME", "USER"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "current_user"
}

// PosixSupported reports whether a POSIX account database is available.
func (d *Directory) PosixSupported() bool { return d.posix }

// DefaultAccount returns the detected fallback account name.
func (d *Directory) DefaultAccount() string { return d.defaultAccount }

// ListAllowed returns the sorted, deduplicated account names permitted to run
// tasks. On non-POSIX hosts this is just the default account.
func (d *Directory) ListAllowed() []string {
	if !d.posix {
		if d.defaultAccount == "" {
			return nil
		}
		return []string{d.defaultAccount}
	}

	seen := make(map[string]bool)
	gidAllowed := make(map[int]bool, len(allowedGroupIDs))
	for _, gid := range allowedGroupIDs {
		gidAllowed[gid] = true
	}

	if err := scanLines(d.passwdPath, func(fields []string) {
		// name:passwd:uid:gid:gecos:home:shell
		if len(fields) < 4 {
			return
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return
		}
		if gidAllowed[gid] && fields[0] != "" {
			seen[fields[0]] = true
		}
	}); err != nil {
		slog.Warn("failed to enumerate passwd entries", "path", d.passwdPath, "error", err)
	}

	if err := scanLines(d.groupPath, func(fields []string) {
		// name:passwd:gid:member,member
		if len(fields) < 4 {
			return
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil || !gidAllowed[gid] {
			return
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member = strings.TrimSpace(member); member != "" {
				seen[member] = true
			}
		}
	}); err != nil {
		slog.Warn("failed to enumerate group entries", "path", d.groupPath, "error", err)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// EnsureAllowed validates that account may run tasks and returns the resolved
// name. On non-POSIX hosts only the default account is accepted; an empty
// request resolves to it.
func (d *Directory) EnsureAllowed(account string) (string, error) {
	allowed := d.ListAllowed()
	if len(allowed) == 0 {
		if d.posix {
			return "", ErrNoAllowedAccounts
		}
		return "", errors.New("current system cannot determine default account")
	}
	if !d.posix {
		def := allowed[0]
		if account != "" && account != def {
			return "", fmt.Errorf("this platform only supports using account %s", def)
		}
		return def, nil
	}
	for _, name := range allowed {
		if name == account {
			return account, nil
		}
	}
	return "", ErrAccountNotAllowed
}

// scanLines reads a colon-separated database file line by line, skipping
// comments and blanks.
func scanLines(path string, fn func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(strings.Split(line, ":"))
	}
	return scanner.Err()
}
