package aggregator

import (
	"context"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Emitter delivers named events to an embedding shell, typically a desktop
// UI bridge. Delivery is best-effort; implementations may drop events.
type Emitter interface {
	Emit(event string, payload []byte) error
}

// Event names offered to the Emitter.
const (
	EventNodeAvg = "node_avg"
	EventGhAvg   = "gh_avg"
)

// Forwarder mirrors per-tick snapshots to an Emitter, fire-and-forget.
// Emit failures are ignored: the UI is a best-effort observer, never a
// reason to slow the pipeline down.
type Forwarder struct {
	emitter Emitter
	nodeIn  <-chan NodeAvg
	ghIn    <-chan GhAvg
	logger  *zap.SugaredLogger
}

// NewForwarder creates a new Forwarder.
func NewForwarder(emitter Emitter, nodeIn <-chan NodeAvg, ghIn <-chan GhAvg, logger *zap.SugaredLogger) *Forwarder {
	return &Forwarder{
		emitter: emitter,
		nodeIn:  nodeIn,
		ghIn:    ghIn,
		logger:  logger,
	}
}

// Run drains the snapshot channels until the context is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case na := <-f.nodeIn:
			f.emit(EventNodeAvg, na.eventPayload())
		case ga := <-f.ghIn:
			f.emit(EventGhAvg, ga.eventPayload())
		}
	}
}

func (f *Forwarder) emit(event string, payload map[string]interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		f.logger.Debugw("event marshal failed", "event", event, "error", err)
		return
	}
	_ = f.emitter.Emit(event, b)
}
