package tender

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tinyrange/tender/internal/hvcall"
)

// Core hypercalls the tender itself serves: time, console output, poll and
// halt. Device modules register their own during setup.

func (o *Orchestrator) registerCoreCalls() error {
	for call, h := range map[hvcall.Call]hvcall.Handler{
		hvcall.Walltime: o.handleWalltime,
		hvcall.Puts:     o.handlePuts,
		hvcall.Poll:     o.handlePoll,
		hvcall.Halt:     o.handleHalt,
	} {
		if err := o.calls.Register(call, h); err != nil {
			return err
		}
	}
	return nil
}

type walltimeArgs struct {
	Nsecs uint64 // out: host wall clock, nanoseconds since the epoch
}

func (o *Orchestrator) handleWalltime(gpa uint64) error {
	args := walltimeArgs{Nsecs: uint64(time.Now().UnixNano())}
	return o.calls.WriteArgs(gpa, &args)
}

type putsArgs struct {
	Data uint64 // guest-physical string address
	Len  uint64
}

const maxPutsLen = 1 << 16

func (o *Orchestrator) handlePuts(gpa uint64) error {
	var args putsArgs
	if err := o.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}
	if args.Len > maxPutsLen {
		return fmt.Errorf("puts of %d bytes exceeds %d", args.Len, maxPutsLen)
	}
	data, err := o.calls.ReadBuffer(args.Data, args.Len)
	if err != nil {
		return err
	}

	if f, ok := o.console.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data = bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
	}
	_, err = o.console.Write(data)
	return err
}

type pollArgs struct {
	TimeoutNsecs uint64 // in: how long to wait
	Ready        uint64 // out: bitmask of sources with pending input
}

func (o *Orchestrator) handlePoll(gpa uint64) error {
	var args pollArgs
	if err := o.calls.ReadArgs(gpa, &args); err != nil {
		return err
	}
	args.Ready = 0

	sources := o.calls.PollSources()
	if len(sources) == 0 {
		if args.TimeoutNsecs > 0 {
			time.Sleep(time.Duration(args.TimeoutNsecs))
		}
		return o.calls.WriteArgs(gpa, &args)
	}
	if len(sources) > 64 {
		return fmt.Errorf("poll: %d sources exceed the readiness bitmask", len(sources))
	}

	fds := make([]unix.PollFd, len(sources))
	for i, src := range sources {
		fds[i] = unix.PollFd{Fd: int32(src.PollFD()), Events: unix.POLLIN}
	}

	timeoutMs := int(time.Duration(args.TimeoutNsecs).Milliseconds())
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			for i := range fds {
				if fds[i].Revents&unix.POLLIN != 0 {
					args.Ready |= 1 << uint(i)
				}
			}
		}
		break
	}
	return o.calls.WriteArgs(gpa, &args)
}

type haltArgs struct {
	Status int64
}

func (o *Orchestrator) handleHalt(gpa uint64) error {
	status := 0
	if gpa != 0 {
		var args haltArgs
		if err := o.calls.ReadArgs(gpa, &args); err != nil {
			return err
		}
		status = int(args.Status)
	}
	return &hvcall.HaltError{Status: status}
}
