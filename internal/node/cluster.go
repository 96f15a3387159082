package node

import (
	"sort"

	pkgerrors "capsim/pkg/errors"
)

// Cluster is the set of sites of one simulation run, with exactly one primary.
type Cluster struct {
	Primary  *Node
	Replicas []*Node

	byID map[string]*Node
}

// NewCluster groups nodes and marks every pair reachable.
func NewCluster(nodes ...*Node) (*Cluster, error) {
	c := &Cluster{byID: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		if _, dup := c.byID[n.ID]; dup {
			return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidRequest, "duplicate node "+n.ID)
		}
		c.byID[n.ID] = n
		if n.IsPrimary() {
			if c.Primary != nil {
				return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidRequest, "more than one primary")
			}
			c.Primary = n
			continue
		}
		c.Replicas = append(c.Replicas, n)
	}
	if c.Primary == nil {
		return nil, pkgerrors.ErrPrimaryRequired
	}

	for _, a := range nodes {
		for _, b := range nodes {
			if a.ID != b.ID {
				a.SetReachable(b.ID, true)
			}
		}
	}
	return c, nil
}

// Node looks a site up by id.
func (c *Cluster) Node(id string) (*Node, error) {
	n, ok := c.byID[id]
	if !ok {
		return nil, pkgerrors.Wrap(pkgerrors.ErrNodeNotFound, id)
	}
	return n, nil
}

// All returns the primary followed by the replicas.
func (c *Cluster) All() []*Node {
	out := make([]*Node, 0, len(c.Replicas)+1)
	out = append(out, c.Primary)
	return append(out, c.Replicas...)
}

// IDs returns the node ids in sorted order.
func (c *Cluster) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
