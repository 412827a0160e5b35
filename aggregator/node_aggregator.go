package aggregator

import (
	"context"
	"math"
	"time"

	"github.com/guregu/null"
	"go.uber.org/zap"
)

// NodeAggregatorConfig represents the config of the NodeAggregator
type NodeAggregatorConfig struct {
	// Window is the rolling interval means are computed over. The tick
	// period equals the window length.
	Window time.Duration `yaml:"window"`

	// MaxSamples caps the per-node buffer independently of time, so a
	// node flooding at a pathological rate cannot grow memory unbounded.
	MaxSamples int `yaml:"max_samples"`
}

type timedSample struct {
	at     time.Time
	sample Sample
}

// nodeWindow is the time-bounded sample buffer of one (greenhouse, node)
// key. The kind seen first wins; a later sample claiming the other variant
// is buffered but contributes nothing to means.
type nodeWindow struct {
	kind  nodeKind
	label string
	buf   []timedSample
}

func (w *nodeWindow) push(at time.Time, s Sample, window time.Duration, maxSamples int) {
	w.buf = append(w.buf, timedSample{at: at, sample: s})
	w.prune(at, window)
	if n := len(w.buf) - maxSamples; n > 0 {
		w.buf = append(w.buf[:0:0], w.buf[n:]...)
	}
}

// prune drops every entry older than the window relative to now.
func (w *nodeWindow) prune(now time.Time, window time.Duration) {
	i := 0
	for i < len(w.buf) && now.Sub(w.buf[i].at) > window {
		i++
	}
	if i > 0 {
		w.buf = append(w.buf[:0:0], w.buf[i:]...)
	}
}

// NodeAggregator maintains one rolling window per node and emits a NodeAvg
// snapshot per known node on every tick. It owns its state exclusively:
// sample ingestion and tick evaluation interleave on a single goroutine,
// so no window is ever mutated concurrently.
//
// Emission policy: a node whose window pruned to empty still emits a
// snapshot with every mean absent. Downstream consumers rely on seeing a
// row per known node per tick to tell "offline" from "never seen".
type NodeAggregator struct {
	config  NodeAggregatorConfig
	samples <-chan Sample
	ghOut   chan<- NodeAvg
	dbOut   chan<- NodeAvg
	uiOut   chan<- NodeAvg
	nodes   map[NodeKey]*nodeWindow
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// NewNodeAggregator creates a new NodeAggregator. uiOut may be nil when no
// UI collaborator is attached.
func NewNodeAggregator(config NodeAggregatorConfig, samples <-chan Sample, ghOut, dbOut, uiOut chan<- NodeAvg, logger *zap.SugaredLogger) *NodeAggregator {
	return &NodeAggregator{
		config:  config,
		samples: samples,
		ghOut:   ghOut,
		dbOut:   dbOut,
		uiOut:   uiOut,
		nodes:   make(map[NodeKey]*nodeWindow),
		now:     time.Now,
		logger:  logger,
	}
}

// Run drives the aggregator until the context is cancelled. The ticker
// fires once per window length; the first tick lands one full window after
// start, so a partial window is never reported.
func (n *NodeAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(n.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-n.samples:
			n.ingest(s, n.now())
		case <-ticker.C:
			n.emit(n.now())
		}
	}
}

// ingest appends a sample to its node's window, creating the window on
// first sight of the key.
func (n *NodeAggregator) ingest(s Sample, at time.Time) {
	key := NodeKey{Greenhouse: s.Greenhouse(), Node: s.Node()}
	w, ok := n.nodes[key]
	if !ok {
		w = &nodeWindow{kind: s.kind(), label: NodeLabel(key.Node)}
		n.nodes[key] = w
	} else if w.kind != s.kind() {
		n.logger.Warnw("sample kind mismatch, keeping first-seen kind",
			"greenhouse", key.Greenhouse, "node", key.Node, "window", w.kind.String(), "sample", s.kind().String())
	}
	w.push(at, s, n.config.Window, n.config.MaxSamples)
}

// emit snapshots every known node and forwards each NodeAvg non-blocking
// to all destinations. Backpressure is independent per destination: a full
// queue drops the snapshot for that destination only.
func (n *NodeAggregator) emit(now time.Time) {
	for key, w := range n.nodes {
		avg := n.snapshot(key, w, now)

		if !trySend(n.ghOut, avg) {
			n.logger.Debugw("greenhouse queue full, node snapshot dropped", "greenhouse", key.Greenhouse, "node", key.Node)
		}
		if !trySend(n.dbOut, avg) {
			n.logger.Debugw("storage queue full, node snapshot dropped", "greenhouse", key.Greenhouse, "node", key.Node)
		}
		if n.uiOut != nil && !trySend(n.uiOut, avg) {
			n.logger.Debugw("ui queue full, node snapshot dropped", "greenhouse", key.Greenhouse, "node", key.Node)
		}
	}
}

// snapshot re-prunes the window for staleness and computes the arithmetic
// mean of each field over the remaining buffer. Non-finite observations
// are skipped; a field with zero finite observations yields an absent
// mean. No rounding happens here.
func (n *NodeAggregator) snapshot(key NodeKey, w *nodeWindow, now time.Time) NodeAvg {
	w.prune(now, n.config.Window)

	var sums [NumFields]float64
	var counts [NumFields]int

	for _, ts := range w.buf {
		if ts.sample.kind() != w.kind {
			continue
		}
		v := ts.sample.values()
		for f := Field(0); f < NumFields; f++ {
			x := v[f]
			if math.IsNaN(x) || math.IsInf(x, 0) {
				continue
			}
			sums[f] += x
			counts[f]++
		}
	}

	avg := NodeAvg{
		Greenhouse: key.Greenhouse,
		Node:       key.Node,
		At:         now,
		Samples:    len(w.buf),
	}
	for f := Field(0); f < NumFields; f++ {
		if counts[f] > 0 {
			avg.Means[f] = null.FloatFrom(sums[f] / float64(counts[f]))
		}
	}
	return avg
}
