package aggregator

import (
	"time"

	"github.com/guregu/null"
)

// NodeKey identifies one sensor node within the fleet.
type NodeKey struct {
	Greenhouse uint16
	Node       uint16
}

// NodeAvg is an immutable per-tick snapshot of the rolling means of one
// node. A field with zero finite observations in the window carries an
// invalid null.Float, never a fabricated zero.
type NodeAvg struct {
	Greenhouse uint16
	Node       uint16
	At         time.Time
	Samples    int
	Means      [NumFields]null.Float
}

// GhAvg is an immutable per-tick snapshot of the means across the fresh
// nodes of one greenhouse. Nodes records how many contributed.
type GhAvg struct {
	Greenhouse uint16
	At         time.Time
	Nodes      int
	Means      [NumFields]null.Float
}

// eventPayload flattens a snapshot into the shape forwarded to a UI
// collaborator: catalog keys mapped to means, absent means as JSON null.
func eventPayload(means [NumFields]null.Float, meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, int(NumFields)+len(meta))
	for k, v := range meta {
		out[k] = v
	}
	for f := Field(0); f < NumFields; f++ {
		out[f.Def().Key] = means[f]
	}
	return out
}

func (a NodeAvg) eventPayload() map[string]interface{} {
	return eventPayload(a.Means, map[string]interface{}{
		"greenhouse_id": a.Greenhouse,
		"node_id":       a.Node,
		"label":         NodeLabel(a.Node),
		"at_ms":         a.At.UnixMilli(),
		"samples":       a.Samples,
	})
}

func (a GhAvg) eventPayload() map[string]interface{} {
	return eventPayload(a.Means, map[string]interface{}{
		"greenhouse_id": a.Greenhouse,
		"at_ms":         a.At.UnixMilli(),
		"nodes":         a.Nodes,
	})
}
