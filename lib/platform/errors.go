package platform

import "errors"

var (
	// ErrHealthCheck is returned when the host is unfit to run QEMU VMs
	// (missing binaries, missing permissions, bridge absent).
	ErrHealthCheck = errors.New("platform health check failed")

	// ErrLeaseNotFound names the no-lease condition. GetIPFor does not
	// return it: a MAC with no lease is reported as ("", false, nil), which
	// lib/vm maps to vmspec.UnknownIP.
	ErrLeaseNotFound = errors.New("no dhcp lease for mac")
)
