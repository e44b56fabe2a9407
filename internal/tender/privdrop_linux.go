//go:build linux && !nopriv

package tender

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// nobody on virtually every Linux.
const unprivilegedID = 65534

// dropPrivileges irreversibly sheds root: chroot into an empty directory
// and switch to an unprivileged uid/gid. Running without root there is
// nothing to drop. Either way the process forfeits the ability to gain new
// privileges.
func dropPrivileges(log *slog.Logger) error {
	if os.Geteuid() == 0 {
		jail, err := os.MkdirTemp("", "tender-jail-")
		if err != nil {
			return fmt.Errorf("create jail directory: %w", err)
		}
		if err := unix.Chroot(jail); err != nil {
			return fmt.Errorf("chroot %s: %w", jail, err)
		}
		if err := unix.Chdir("/"); err != nil {
			return fmt.Errorf("chdir into jail: %w", err)
		}
		if err := unix.Setresgid(unprivilegedID, unprivilegedID, unprivilegedID); err != nil {
			return fmt.Errorf("setresgid: %w", err)
		}
		if err := unix.Setgroups([]int{unprivilegedID}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setresuid(unprivilegedID, unprivilegedID, unprivilegedID); err != nil {
			return fmt.Errorf("setresuid: %w", err)
		}
		log.Info("dropped privileges", "uid", unprivilegedID, "jail", jail)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(NO_NEW_PRIVS): %w", err)
	}
	return nil
}
