package pidfdbridge_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/kvmintrospect/internal/pidfdbridge"
	"golang.org/x/sys/unix"
)

func TestHasCapability(t *testing.T) {
	ok, err := pidfdbridge.HasCapability()
	if err != nil {
		t.Fatalf("HasCapability: %v", err)
	}

	t.Logf("pidfd_getfd supported: %v", ok)
}

func TestGetFdSelf(t *testing.T) {
	b, err := pidfdbridge.Open(os.Getpid())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	fd, err := b.GetFd(int(os.Stdout.Fd()))
	if err != nil {
		if err == pidfdbridge.ErrUnsupportedKernel {
			t.Skip("pidfd_getfd not supported by this kernel")
		}

		t.Fatalf("GetFd: %v", err)
	}
	defer unix.Close(fd)

	if fd < 0 {
		t.Errorf("GetFd returned negative fd %d", fd)
	}
}
