package injector_test

import (
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/injector"
)

// requireRoot skips the test unless running as root. Ptrace-attaching to
// an unrelated process (as opposed to a direct child under
// PTRACE_TRACEME) requires CAP_SYS_PTRACE against that process's user
// namespace, which in practice means root in CI.
func requireRoot(t *testing.T) {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("requires root (CAP_SYS_PTRACE against an unrelated process)")
	}
}

func spawnSleeper(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawning sleep: %v", err)
	}

	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	// Give the child a moment to reach the sleep syscall so its saved IP
	// is stable when we attach.
	time.Sleep(50 * time.Millisecond)

	return cmd
}

func TestAttachDetach(t *testing.T) {
	requireRoot(t)

	cmd := spawnSleeper(t)

	profile, err := archprofile.Current()
	if err != nil {
		t.Fatalf("archprofile.Current: %v", err)
	}

	sess, err := injector.Attach(cmd.Process.Pid, profile)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := sess.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
}

func TestInjectedGetpid(t *testing.T) {
	requireRoot(t)

	if runtime.GOARCH != "amd64" {
		t.Skip("getpid syscall number in this test is amd64-specific")
	}

	cmd := spawnSleeper(t)

	profile, err := archprofile.Current()
	if err != nil {
		t.Fatalf("archprofile.Current: %v", err)
	}

	sess, err := injector.Attach(cmd.Process.Pid, profile)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sess.Detach()

	const getpidNR = 39 // x86-64 getpid

	ret, err := sess.Syscall(getpidNR)
	if err != nil {
		t.Fatalf("Syscall(getpid): %v", err)
	}

	if ret != int64(cmd.Process.Pid) {
		t.Errorf("injected getpid returned %d, want %d", ret, cmd.Process.Pid)
	}
}

func TestDecodeFaultingInstruction(t *testing.T) {
	requireRoot(t)

	if runtime.GOARCH != "amd64" {
		t.Skip("DecodeFaultingInstruction is amd64-specific")
	}

	cmd := spawnSleeper(t)

	profile, err := archprofile.Current()
	if err != nil {
		t.Fatalf("archprofile.Current: %v", err)
	}

	sess, err := injector.Attach(cmd.Process.Pid, profile)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sess.Detach()

	regs, err := sess.Regs()
	if err != nil {
		t.Fatalf("Regs: %v", err)
	}

	text := injector.DecodeFaultingInstruction(sess.Pid(), regs)
	if text == "" {
		t.Error("DecodeFaultingInstruction returned an empty string")
	}

	t.Logf("faulting instruction: %s", text)
}
