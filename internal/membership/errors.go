package membership

import "errors"

// ErrNoSeeds is returned by Join when there is no seed other than the local node.
var ErrNoSeeds = errors.New("no seed addresses to join")

var (
	ErrMissingNodeID = errors.New("missing node_id")
	ErrLocalNode     = errors.New("node id belongs to this node")
)
