// Package ports hands out unused TCP ports from a configured range.
//
// Allocation is advisory only: nothing reserves the port between the probe
// and the eventual container launch. Callers treat a subsequent launch
// failure as transient and retry with a fresh allocation.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNoPortAvailable is returned when the configured range is exhausted.
var ErrNoPortAvailable = errors.New("no available port in configured range")

// Allocator scans [Start, End) in ascending order.
type Allocator struct {
	Start int
	End   int

	log *logrus.Entry
}

// NewAllocator creates an Allocator over the half-open range [start, end).
func NewAllocator(start, end int, log *logrus.Entry) *Allocator {
	return &Allocator{Start: start, End: end, log: log.WithField("component", "ports")}
}

// Allocate returns the first port in range that (a) nothing is listening on
// and (b) the OS will still let us bind. The probe socket is closed
// immediately; the port is not held.
func (a *Allocator) Allocate() (int, error) {
	for port := a.Start; port < a.End; port++ {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
		if err == nil {
			conn.Close()
			a.log.WithField("port", port).Debug("port in use")
			continue
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			a.log.WithField("port", port).Debug("port busy")
			continue
		}
		ln.Close()

		a.log.WithField("port", port).Debug("found available port")
		return port, nil
	}

	a.log.WithFields(logrus.Fields{"start": a.Start, "end": a.End}).Warn("port range exhausted")
	return 0, ErrNoPortAvailable
}
