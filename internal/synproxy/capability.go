package synproxy

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// ProbeRawSocketCapability attempts to open (and immediately close) a raw
// IPv4/TCP socket on the current process's privileges. It is the
// capability-detection step the spec requires at SYN-proxy startup: success
// here means the process can intercept and forge TCP segments; failure
// means it cannot, and the caller must decide (per platform.mode) whether
// that is fatal or merely a reason to degrade to plain TCP passthrough.
//
// RemoveMemlock mirrors the teacher's ring-buffer mock-mode probe: lifting
// RLIMIT_MEMLOCK is unrelated to raw sockets but fails identically under
// the restricted container environments that also forbid raw sockets, so
// it is attempted first as a cheap early signal.
func ProbeRawSocketCapability() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("synproxy: remove memlock: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("synproxy: open raw socket: %w", err)
	}
	return unix.Close(fd)
}
