package aggregator

import (
	"context"
	"math"
	"time"

	"github.com/guregu/null"
	"go.uber.org/zap"
)

// GreenhouseAggregatorConfig represents the config of the GreenhouseAggregator
type GreenhouseAggregatorConfig struct {
	// Window matches the node aggregation window; the tick period equals it.
	Window time.Duration `yaml:"window"`

	// StaleGrace extends the freshness cutoff past the window length, so a
	// node snapshot taken just before our own tick boundary still counts.
	StaleGrace time.Duration `yaml:"stale_grace"`
}

// GreenhouseAggregator keeps the latest NodeAvg per node per greenhouse
// (last write wins, no history) and emits a GhAvg per greenhouse on every
// tick, averaging across the nodes still fresh at that instant. Its ticker
// is independent of the node aggregator's; the grace period absorbs the
// phase difference between the two timers.
type GreenhouseAggregator struct {
	config      GreenhouseAggregatorConfig
	in          <-chan NodeAvg
	dbOut       chan<- GhAvg
	uiOut       chan<- GhAvg
	greenhouses map[uint16]map[uint16]NodeAvg
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// NewGreenhouseAggregator creates a new GreenhouseAggregator. uiOut may be
// nil when no UI collaborator is attached.
func NewGreenhouseAggregator(config GreenhouseAggregatorConfig, in <-chan NodeAvg, dbOut, uiOut chan<- GhAvg, logger *zap.SugaredLogger) *GreenhouseAggregator {
	return &GreenhouseAggregator{
		config:      config,
		in:          in,
		dbOut:       dbOut,
		uiOut:       uiOut,
		greenhouses: make(map[uint16]map[uint16]NodeAvg),
		now:         time.Now,
		logger:      logger,
	}
}

// Run drives the aggregator until the context is cancelled. The first tick
// lands one full window after start.
func (g *GreenhouseAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.config.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case avg := <-g.in:
			g.observe(avg)
		case <-ticker.C:
			g.emit(g.now())
		}
	}
}

func (g *GreenhouseAggregator) observe(avg NodeAvg) {
	nodes, ok := g.greenhouses[avg.Greenhouse]
	if !ok {
		nodes = make(map[uint16]NodeAvg)
		g.greenhouses[avg.Greenhouse] = nodes
	}
	nodes[avg.Node] = avg
}

// emit computes and forwards one GhAvg per greenhouse with fresh data. A
// greenhouse whose node snapshots all went stale produces no GhAvg at all:
// "no fresh data" is a distinct outcome, not an all-absent snapshot.
func (g *GreenhouseAggregator) emit(now time.Time) {
	for ghID, nodes := range g.greenhouses {
		avg, ok := g.average(ghID, nodes, now)
		if !ok {
			g.logger.Infow("no fresh node averages", "greenhouse", ghID)
			continue
		}

		if !trySend(g.dbOut, avg) {
			g.logger.Debugw("storage queue full, greenhouse snapshot dropped", "greenhouse", ghID)
		}
		if g.uiOut != nil && !trySend(g.uiOut, avg) {
			g.logger.Debugw("ui queue full, greenhouse snapshot dropped", "greenhouse", ghID)
		}
	}
}

// average means each field across the fresh node snapshots, skipping nodes
// where the field is absent. ok is false when no node is fresh.
func (g *GreenhouseAggregator) average(ghID uint16, nodes map[uint16]NodeAvg, now time.Time) (GhAvg, bool) {
	cutoff := g.config.Window + g.config.StaleGrace

	var sums [NumFields]float64
	var counts [NumFields]int
	fresh := 0

	for _, na := range nodes {
		if now.Sub(na.At) > cutoff {
			continue
		}
		fresh++
		for f := Field(0); f < NumFields; f++ {
			m := na.Means[f]
			if !m.Valid || math.IsNaN(m.Float64) || math.IsInf(m.Float64, 0) {
				continue
			}
			sums[f] += m.Float64
			counts[f]++
		}
	}

	if fresh == 0 {
		return GhAvg{}, false
	}

	avg := GhAvg{Greenhouse: ghID, At: now, Nodes: fresh}
	for f := Field(0); f < NumFields; f++ {
		if counts[f] > 0 {
			avg.Means[f] = null.FloatFrom(sums[f] / float64(counts[f]))
		}
	}
	return avg, true
}
