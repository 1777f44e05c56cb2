// Package cliargs parses kvmintrospect's subcommand-style argument
// vector, the same way gokvm's own flag package splits "boot" from
// "probe" before handing off to per-subcommand flag.FlagSets.
package cliargs

import (
	"errors"
	"flag"
	"fmt"
)

// ErrInvalidSubcommand is returned when argv[1] names neither
// subcommand.
var ErrInvalidSubcommand = errors.New("expected 'inspect' or 'coredump' subcommand")

// InspectArgs holds the parsed arguments for the inspect subcommand.
type InspectArgs struct {
	PID        int
	Verbose    bool
	BPFObject  string
	TimeoutSec int
}

// CoredumpArgs holds the parsed arguments for the coredump subcommand.
type CoredumpArgs struct {
	PID        int
	Out        string
	BPFObject  string
	Verbose    bool
	TimeoutSec int
}

func parseInspectArgs(args []string) (*InspectArgs, error) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	c := &InspectArgs{}

	fs.BoolVar(&c.Verbose, "v", false, "enable verbose logging")
	fs.StringVar(&c.BPFObject, "bpf-object", "bpf/kvm_memslots.bpf.o", "path to the compiled memslot kprobe object")
	fs.IntVar(&c.TimeoutSec, "timeout", 5, "seconds to wait for the memslot probe to fire")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("inspect: %w", errMissingPID)
	}

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		return nil, err
	}

	c.PID = pid

	return c, nil
}

func parseCoredumpArgs(args []string) (*CoredumpArgs, error) {
	fs := flag.NewFlagSet("coredump", flag.ExitOnError)
	c := &CoredumpArgs{}

	fs.BoolVar(&c.Verbose, "v", false, "enable verbose logging")
	fs.StringVar(&c.BPFObject, "bpf-object", "bpf/kvm_memslots.bpf.o", "path to the compiled memslot kprobe object")
	fs.IntVar(&c.TimeoutSec, "timeout", 5, "seconds to wait for the memslot probe to fire")
	fs.StringVar(&c.Out, "out", "", "output core file path (default core.<pid>)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if fs.NArg() < 1 {
		return nil, fmt.Errorf("coredump: %w", errMissingPID)
	}

	pid, err := parsePID(fs.Arg(0))
	if err != nil {
		return nil, err
	}

	c.PID = pid

	if c.Out == "" {
		c.Out = fmt.Sprintf("core.%d", pid)
	}

	return c, nil
}

var errMissingPID = errors.New("missing pid argument")

func parsePID(s string) (int, error) {
	var pid int
	if _, err := fmt.Sscanf(s, "%d", &pid); err != nil {
		return 0, fmt.Errorf("parsing pid %q: %w", s, err)
	}

	if pid <= 0 {
		return 0, fmt.Errorf("pid must be positive, got %d", pid)
	}

	return pid, nil
}

// Parse splits args (as os.Args) into exactly one of an InspectArgs or
// a CoredumpArgs.
func Parse(args []string) (*InspectArgs, *CoredumpArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "inspect":
		c, err := parseInspectArgs(args[2:])

		return c, nil, err
	case "coredump":
		c, err := parseCoredumpArgs(args[2:])

		return nil, c, err
	}

	return nil, nil, ErrInvalidSubcommand
}
