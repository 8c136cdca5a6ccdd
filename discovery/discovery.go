// Package discovery propagates capability records over the bus: providers
// advertise retained records with a liveliness lease, consumers cache them
// in a registry that converges on retraction or lease expiry.
package discovery

import "errors"

// Topic carries retained capability advertisements.
const Topic = "capmesh.capabilities"

var (
	// ErrClosed is returned by operations on a closed advertiser or registry.
	ErrClosed = errors.New("discovery: closed")

	// ErrDegraded is reported when the registry loses its subscription and
	// can no longer observe advertisements.
	ErrDegraded = errors.New("discovery: subscription lost")
)
