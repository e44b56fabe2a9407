//go:build !linux || nopriv

package tender

import "log/slog"

// Privilege dropping is compiled out. That is a configuration to warn
// about, not an error to refuse.
func dropPrivileges(log *slog.Logger) error {
	log.Warn("privilege dropping is not compiled in; the guest runs with the tender's privileges")
	return nil
}
