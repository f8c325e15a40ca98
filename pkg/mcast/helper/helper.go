// Package helper provides the small stateless utilities the rest of the
// module relies on: UID generation, maximum-of-int64 computation, and the
// durable per-peer identifier used to reconcile repeated DISCOVERY
// attempts from the same device.
package helper

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// GenerateUID returns a fresh random message identifier.
func GenerateUID() types.UID {
	return types.UID(uuid.NewString())
}

// MaxValue returns the largest element of values, or 0 for an empty slice.
func MaxValue(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

var instanceCounter int64

// nextInstance hands out a distinct tag per peer spawned in this process,
// so a single-process test harness (many peers, one MAC address) still
// produces unique identifiers.
func nextInstance() int64 {
	return atomic.AddInt64(&instanceCounter, 1)
}

// Identifier returns this peer's durable identifier: "<mac_hex>-<instance>".
// Grounded on destinator/util/util.py's identifier(), adapted from a
// MAC+thread-id composite to a MAC+instance-counter composite since Go
// peers in the test harness are not distinguished by OS thread id.
func Identifier() string {
	return fmt.Sprintf("%s-%d", macHex(), nextInstance())
}

func macHex() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if len(iface.HardwareAddr) == 0 {
				continue
			}
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			return iface.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}
