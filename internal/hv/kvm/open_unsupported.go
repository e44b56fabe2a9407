//go:build !linux || !amd64

package kvm

import "github.com/tinyrange/tender/internal/hv"

// Open always fails on platforms without KVM.
func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnavailable
}
