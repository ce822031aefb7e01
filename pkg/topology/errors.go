package topology

import "errors"

var (
	// ErrTopologyUnavailable is returned when no node could be reached to
	// obtain the cluster layout and no earlier snapshot exists.
	ErrTopologyUnavailable = errors.New("topology unavailable")
	// ErrInvalidTopology is returned for layouts with gaps, overlaps,
	// out-of-range slots or duplicate node addresses.
	ErrInvalidTopology = errors.New("invalid topology")
)
