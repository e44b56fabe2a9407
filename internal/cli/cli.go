// Package cli implements the tender's two-phase command-line parsing. Phase
// one only locates the guest kernel path so the manifest can be validated;
// phase two resolves every option, including module options, once the
// modules know what the manifest declares.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tinyrange/tender/internal/module"
)

// DefaultMemSize is the guest memory size when --mem is not given.
const DefaultMemSize = 512 << 20

var (
	// ErrHelp means --help was given: print usage and exit with status 1.
	ErrHelp = errors.New("help requested")

	// ErrVersion means --version was given: print the version and exit
	// with status 0.
	ErrVersion = errors.New("version requested")

	// ErrMissingKernel means no kernel path was found on the command line.
	ErrMissingKernel = errors.New("missing KERNEL argument")
)

// InvalidOptionError is an option no module recognized.
type InvalidOptionError struct {
	Arg string
}

func (e *InvalidOptionError) Error() string {
	return fmt.Sprintf("invalid option: %s", e.Arg)
}

// Phase1Result locates the kernel within the argument list. Args is the
// slice passed to Phase1, excluding the program name.
type Phase1Result struct {
	Args []string

	// KernelIndex is the position of KernelPath within Args.
	KernelIndex int
	KernelPath  string
}

// GuestArgs returns the arguments following the kernel path, which are
// passed through to the guest verbatim.
func (p *Phase1Result) GuestArgs() []string {
	return p.Args[p.KernelIndex+1:]
}

// Phase1 scans args (os.Args[1:]) for the kernel path: the first argument
// that does not start with "-". Options are skipped without validation;
// only --help, -h, --version and the "--" terminator are recognized here.
// Everything after the kernel belongs to the guest.
func Phase1(args []string) (*Phase1Result, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--help" || arg == "-h":
			return nil, ErrHelp
		case arg == "--version":
			return nil, ErrVersion
		case arg == "--":
			if i+1 >= len(args) {
				return nil, ErrMissingKernel
			}
			return &Phase1Result{Args: args, KernelIndex: i + 1, KernelPath: args[i+1]}, nil
		case strings.HasPrefix(arg, "-"):
			// Defer validation until phase two, after the manifest is
			// known.
		default:
			return &Phase1Result{Args: args, KernelIndex: i, KernelPath: arg}, nil
		}
	}
	return nil, ErrMissingKernel
}

// Options is the fully resolved command line.
type Options struct {
	// MemSize is the --mem value in bytes, or 0 if --mem was not given.
	MemSize uint64

	KernelPath string
	GuestArgs  []string
}

// Phase2 resolves every option preceding the kernel. Core options are
// handled here; anything else is offered to the module registry, where the
// first module to recognize it wins. An option nobody recognizes is an
// InvalidOptionError.
//
// Phase2 must land on the same kernel argument Phase1 found; a mismatch is
// a bug in the scanners, not bad input, and panics.
func Phase2(p1 *Phase1Result, reg *module.Registry) (*Options, error) {
	opts := &Options{
		KernelPath: p1.KernelPath,
		GuestArgs:  p1.GuestArgs(),
	}

	for i := 0; i < len(p1.Args); i++ {
		arg := p1.Args[i]

		if arg == "--" {
			if i+1 != p1.KernelIndex {
				panic("cli: phase 2 terminator disagrees with phase 1")
			}
			return opts, nil
		}
		if !strings.HasPrefix(arg, "-") {
			if i != p1.KernelIndex {
				panic("cli: phase 2 landed on a different kernel argument than phase 1")
			}
			return opts, nil
		}

		if value, ok := strings.CutPrefix(arg, "--mem="); ok {
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil || size <= 0 {
				return nil, fmt.Errorf("malformed memory size: %q", value)
			}
			opts.MemSize = uint64(size) << 20
			continue
		}

		err := reg.DispatchCmdarg(arg)
		if errors.Is(err, module.ErrSkip) {
			return nil, &InvalidOptionError{Arg: arg}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", arg, err)
		}
	}

	panic("cli: phase 2 ran out of arguments before the kernel")
}

// Usage writes the full usage text, core options first, then each module's
// options in registration order.
func Usage(w io.Writer, prog string, reg *module.Registry) {
	fmt.Fprintf(w, "usage: %s [ OPTIONS ] KERNEL [ -- ] [ ARGS ]\n", prog)
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "KERNEL is the filename of the unikernel to run.\n")
	fmt.Fprintf(w, "ARGS are optional arguments passed to the unikernel.\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Options:\n")
	fmt.Fprintf(w, "    --mem=MEGABYTES     guest memory size (default: %d MiB)\n", DefaultMemSize>>20)
	fmt.Fprintf(w, "    --help, -h          print this message and exit\n")
	fmt.Fprintf(w, "    --version           print the version and exit\n")

	names := make([]string, 0, len(reg.Modules()))
	for _, m := range reg.Modules() {
		names = append(names, m.Name())
	}
	fmt.Fprintf(w, "\nCompiled-in modules: %s\n", strings.Join(names, " "))

	if text := reg.UsageText(); text != "" {
		fmt.Fprintf(w, "\nModule options:\n%s", text)
	}
}
