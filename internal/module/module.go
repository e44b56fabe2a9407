// Package module defines the tender's pluggable device modules and the
// registry that drives their command-line handling and setup.
package module

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/tender/internal/hv"
	"github.com/tinyrange/tender/internal/hvcall"
	"github.com/tinyrange/tender/internal/mft"
)

// Env is everything a module needs during Setup: the guest address space,
// the hypercall registry to hang handlers on, and a logger.
type Env struct {
	VM         hv.VirtualMachine
	Hypercalls *hvcall.Registry
	Log        *slog.Logger
}

// CmdargHandler consumes module-specific command-line options. Invoked for
// every option the core parser does not recognize; returns ErrSkip when the
// option is not this module's.
type CmdargHandler struct {
	Handle func(arg string) error
}

// ErrSkip is returned by a cmdarg handler that does not recognize the
// option, letting dispatch continue to the next module.
var ErrSkip = errors.New("option not handled by this module")

// UsageInfo is one module's contribution to the usage text.
type UsageInfo struct {
	// Lines are pre-formatted option descriptions, one per option.
	Lines []string
}

// MemOverride lets a module dictate the guest memory size, overriding both
// the default and --mem.
type MemOverride struct {
	// MemSize returns the required size in bytes, or 0 for no opinion.
	MemSize func() uint64
}

// Module is one pluggable tender component. Setup validates the module's
// configuration against the manifest and attaches devices. Optional
// capabilities are exposed through Supports* methods returning nil when
// absent.
type Module interface {
	Name() string

	Setup(env *Env, manifest *mft.Manifest) error

	SupportsCmdarg() *CmdargHandler
	SupportsUsage() *UsageInfo
	SupportsMemOverride() *MemOverride
}

// SetupError identifies which module failed setup so the caller can print
// that module's usage alongside the error.
type SetupError struct {
	Module string
	Usage  *UsageInfo
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("module %s: setup: %v", e.Module, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Registry holds the tender's modules in registration order. Order is
// significant: command-line dispatch and setup both walk it front to back.
type Registry struct {
	modules []Module
}

func NewRegistry(modules ...Module) (*Registry, error) {
	seen := make(map[string]bool)
	for _, m := range modules {
		if m == nil {
			return nil, fmt.Errorf("module: nil module registered")
		}
		name := m.Name()
		if name == "" {
			return nil, fmt.Errorf("module: module with empty name")
		}
		if seen[name] {
			return nil, fmt.Errorf("module: duplicate module %q", name)
		}
		seen[name] = true
	}
	return &Registry{modules: modules}, nil
}

// Modules returns the registered modules in order.
func (r *Registry) Modules() []Module {
	return r.modules
}

// SetupAll runs every module's Setup in registration order, stopping at the
// first failure. Setup failures are hard errors: a module that cannot
// deliver what its options promised must not let the guest boot.
func (r *Registry) SetupAll(env *Env, manifest *mft.Manifest) error {
	for _, m := range r.modules {
		if err := m.Setup(env, manifest); err != nil {
			return &SetupError{Module: m.Name(), Usage: m.SupportsUsage(), Err: err}
		}
	}
	return nil
}

// DispatchCmdarg offers arg to each module with a cmdarg handler, in
// registration order. The first module to accept it wins; later modules
// never see it. Returns ErrSkip when no module claims the option.
func (r *Registry) DispatchCmdarg(arg string) error {
	for _, m := range r.modules {
		h := m.SupportsCmdarg()
		if h == nil {
			continue
		}
		err := h.Handle(arg)
		if errors.Is(err, ErrSkip) {
			continue
		}
		return err
	}
	return ErrSkip
}

// UsageText concatenates every module's usage lines, in registration order,
// one option per line.
func (r *Registry) UsageText() string {
	var sb strings.Builder
	for _, m := range r.modules {
		u := m.SupportsUsage()
		if u == nil {
			continue
		}
		for _, line := range u.Lines {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// ResolveMemSize picks the guest memory size: a module override beats the
// command line, which beats the default. cliSize is 0 when --mem was not
// given.
func (r *Registry) ResolveMemSize(defaultSize, cliSize uint64) uint64 {
	for _, m := range r.modules {
		o := m.SupportsMemOverride()
		if o == nil {
			continue
		}
		if size := o.MemSize(); size != 0 {
			return size
		}
	}
	if cliSize != 0 {
		return cliSize
	}
	return defaultSize
}
