// Command kvmintrospect attaches to a running KVM virtual-machine-monitor
// process from the outside and recovers what it is doing, without that
// process's cooperation or any prior instrumentation of it.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/bobuhiro11/kvmintrospect/internal/archprofile"
	"github.com/bobuhiro11/kvmintrospect/internal/cliargs"
	"github.com/bobuhiro11/kvmintrospect/internal/coredump"
	"github.com/bobuhiro11/kvmintrospect/internal/kvmdiscover"
	"github.com/bobuhiro11/kvmintrospect/internal/memslot"
	"github.com/bobuhiro11/kvmintrospect/internal/pidfdbridge"
)

func main() {
	inspect, dump, err := cliargs.Parse(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if ok, err := pidfdbridge.HasCapability(); err != nil {
		log.Fatal(err)
	} else if !ok {
		log.Fatal("pidfd_getfd is not supported by this kernel; upgrade to Linux 5.6 or later")
	}

	switch {
	case inspect != nil:
		if err := runInspect(inspect); err != nil {
			log.Fatal(err)
		}
	case dump != nil:
		if err := runCoredump(dump); err != nil {
			log.Fatal(err)
		}
	}
}

func runInspect(c *cliargs.InspectArgs) error {
	profile, err := archprofile.Current()
	if err != nil {
		return err
	}

	hv, err := kvmdiscover.Find(c.PID)
	if err != nil {
		return err
	}
	defer hv.Close()

	if c.Verbose {
		log.Printf("pid %d: found KVM instance, vm_fd=%d, %d vcpu(s)", c.PID, hv.VMFd, hv.CPUCount())
	}

	slots, err := memslot.Probe(hv, profile, c.BPFObject, time.Duration(c.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}

	for _, s := range slots {
		fmt.Printf("vm mem: 0x%x -> 0x%x (physical 0x%x)\n", s.Start(), s.Start()+s.Size(), s.PhysicalStart())
	}

	return nil
}

func runCoredump(c *cliargs.CoredumpArgs) error {
	profile, err := archprofile.Current()
	if err != nil {
		return err
	}

	hv, err := kvmdiscover.Find(c.PID)
	if err != nil {
		return err
	}
	defer hv.Close()

	if c.Verbose {
		log.Printf("pid %d: found KVM instance, vm_fd=%d, %d vcpu(s)", c.PID, hv.VMFd, hv.CPUCount())
	}

	slots, err := memslot.Probe(hv, profile, c.BPFObject, time.Duration(c.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}

	if c.Verbose {
		log.Printf("pid %d: recovered %d memslot(s)", c.PID, len(slots))
	}

	if err := coredump.Write(c.Out, c.PID, profile, slots); err != nil {
		return err
	}

	fmt.Printf("wrote %s from pid %d (%d memslot(s))\n", c.Out, c.PID, len(slots))

	return nil
}
