package cliargs_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/kvmintrospect/internal/cliargs"
)

func TestParseInspect(t *testing.T) {
	inspect, coredump, err := cliargs.Parse([]string{"kvmintrospect", "inspect", "-v", "1234"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if coredump != nil {
		t.Fatal("coredump args should be nil for an inspect invocation")
	}

	if inspect.PID != 1234 {
		t.Errorf("PID = %d, want 1234", inspect.PID)
	}

	if !inspect.Verbose {
		t.Error("Verbose = false, want true")
	}
}

func TestParseCoredump(t *testing.T) {
	inspect, coredump, err := cliargs.Parse([]string{"kvmintrospect", "coredump", "5678"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if inspect != nil {
		t.Fatal("inspect args should be nil for a coredump invocation")
	}

	if coredump.PID != 5678 {
		t.Errorf("PID = %d, want 5678", coredump.PID)
	}

	if coredump.Out != "core.5678" {
		t.Errorf("Out = %q, want core.5678", coredump.Out)
	}
}

func TestParseCoredumpExplicitOut(t *testing.T) {
	_, coredump, err := cliargs.Parse([]string{"kvmintrospect", "coredump", "-out", "custom.core", "5678"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if coredump.Out != "custom.core" {
		t.Errorf("Out = %q, want custom.core", coredump.Out)
	}
}

func TestParseInvalidSubcommand(t *testing.T) {
	_, _, err := cliargs.Parse([]string{"kvmintrospect", "bogus"})
	if !errors.Is(err, cliargs.ErrInvalidSubcommand) {
		t.Fatalf("err = %v, want ErrInvalidSubcommand", err)
	}
}

func TestParseNoArgs(t *testing.T) {
	_, _, err := cliargs.Parse([]string{"kvmintrospect"})
	if !errors.Is(err, cliargs.ErrInvalidSubcommand) {
		t.Fatalf("err = %v, want ErrInvalidSubcommand", err)
	}
}
