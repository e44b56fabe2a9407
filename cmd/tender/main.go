// Command tender boots a unikernel in a hardware-virtualized sandbox. It
// validates the device manifest embedded in the guest binary, attaches the
// devices the command line configures, drops privileges and runs the guest
// until it halts; the guest's halt status becomes the exit status.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tinyrange/tender/internal/cli"
	"github.com/tinyrange/tender/internal/devices/block"
	devnet "github.com/tinyrange/tender/internal/devices/net"
	"github.com/tinyrange/tender/internal/guest"
	"github.com/tinyrange/tender/internal/hv/kvm"
	"github.com/tinyrange/tender/internal/mft"
	"github.com/tinyrange/tender/internal/module"
	"github.com/tinyrange/tender/internal/tender"
)

// version is stamped by the build.
var version = "devel"

func main() {
	prog := filepath.Base(os.Args[0])

	level := slog.LevelInfo
	if os.Getenv("TENDER_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Registration order is dispatch precedence for module options.
	registry, err := module.NewRegistry(block.New(), devnet.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(1)
	}

	os.Exit(run(prog, os.Args[1:], registry, log))
}

func run(prog string, args []string, registry *module.Registry, log *slog.Logger) int {
	p1, err := cli.Phase1(args)
	switch {
	case errors.Is(err, cli.ErrHelp):
		cli.Usage(os.Stderr, prog, registry)
		return 1
	case errors.Is(err, cli.ErrVersion):
		fmt.Printf("%s %s\n", prog, version)
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		cli.Usage(os.Stderr, prog, registry)
		return 1
	}

	kernel, err := os.Open(p1.KernelPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		return 1
	}

	raw, err := guest.LoadNote(kernel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: %v\n", prog, p1.KernelPath, err)
		return 1
	}
	manifest, err := mft.Validate(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s: invalid manifest: %v\n", prog, p1.KernelPath, err)
		return 1
	}

	opts, err := cli.Phase2(p1, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		var invalid *cli.InvalidOptionError
		if errors.As(err, &invalid) {
			cli.Usage(os.Stderr, prog, registry)
		}
		return 1
	}

	hypervisor, err := kvm.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		return 1
	}
	defer hypervisor.Close()

	// Signals terminate immediately; partially-initialized host state is
	// reclaimed by process exit.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		fmt.Fprintf(os.Stderr, "%s: exiting on signal %s\n", prog, sig)
		os.Exit(1)
	}()

	orch := tender.New(tender.Config{
		Hypervisor:  hypervisor,
		Registry:    registry,
		Manifest:    manifest,
		Kernel:      kernel,
		CloseKernel: kernel.Close,
		KernelPath:  p1.KernelPath,
		GuestArgs:   opts.GuestArgs,
		MemSize:     opts.MemSize,
		Log:         log,
	})

	status, err := orch.Boot(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		var setupErr *module.SetupError
		if errors.As(err, &setupErr) && setupErr.Usage != nil {
			for _, line := range setupErr.Usage.Lines {
				fmt.Fprintf(os.Stderr, "    %s\n", line)
			}
		}
		return 1
	}
	return status
}
