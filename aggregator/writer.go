package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/guregu/null"
	"go.uber.org/zap"
)

// WriterConfig represents the config of the Writer
type WriterConfig struct {
	// BatchSize is the combined buffered-snapshot count that forces an
	// immediate flush.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the wall-clock fallback: any buffered content is
	// flushed this often regardless of batch size.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Writer batches NodeAvg and GhAvg snapshots and flushes them as single
// transactions. It is the only stage touching the database: blocking SQL
// runs on the writer's own goroutine, and upstream stages only ever
// try-send into its bounded intake channels.
//
// Fault isolation is per row: a failed field insert is logged and skipped
// while the surrounding transaction still commits. A failed begin or
// commit discards the whole batch.
type Writer struct {
	config WriterConfig
	window time.Duration
	db     *sql.DB

	nodeIn <-chan NodeAvg
	ghIn   <-chan GhAvg

	nodeBuf []NodeAvg
	ghBuf   []GhAvg

	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewWriter creates a new Writer. window is the aggregation window the
// stored rows are labelled with.
func NewWriter(config WriterConfig, window time.Duration, db *sql.DB, nodeIn <-chan NodeAvg, ghIn <-chan GhAvg, logger *zap.SugaredLogger) *Writer {
	return &Writer{
		config:  config,
		window:  window,
		db:      db,
		nodeIn:  nodeIn,
		ghIn:    ghIn,
		nodeBuf: make([]NodeAvg, 0, 256),
		ghBuf:   make([]GhAvg, 0, 128),
		now:     time.Now,
		logger:  logger,
	}
}

// Run drives the writer until the context is cancelled. Anything buffered
// at cancellation is lost; termination is abrupt by design.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case na := <-w.nodeIn:
			w.nodeBuf = append(w.nodeBuf, na)
			w.flushIfFull()
		case ga := <-w.ghIn:
			w.ghBuf = append(w.ghBuf, ga)
			w.flushIfFull()
		case <-ticker.C:
			if len(w.nodeBuf)+len(w.ghBuf) > 0 {
				w.flush()
			}
		}
	}
}

func (w *Writer) flushIfFull() {
	if len(w.nodeBuf)+len(w.ghBuf) >= w.config.BatchSize {
		w.flush()
	}
}

// flush writes both buffers in one transaction and resets them. The
// buffers are consumed even when the transaction fails: that batch is
// logged data loss, never retried.
func (w *Writer) flush() {
	nodes := w.nodeBuf
	ghs := w.ghBuf
	w.nodeBuf = w.nodeBuf[:0]
	w.ghBuf = w.ghBuf[:0]

	tx, err := w.db.Begin()
	if err != nil {
		w.logger.Errorw("begin failed, batch dropped", "nodes", len(nodes), "greenhouses", len(ghs), "error", err)
		return
	}

	ts := w.now().UnixMilli()

	for _, na := range nodes {
		w.writeNodeAvg(tx, ts, na)
	}
	for _, ga := range ghs {
		w.writeGhAvg(tx, ts, ga)
	}

	if err := tx.Commit(); err != nil {
		w.logger.Errorw("commit failed, batch dropped", "nodes", len(nodes), "greenhouses", len(ghs), "error", err)
		return
	}

	w.logger.Debugw("batch flushed", "nodes", len(nodes), "greenhouses", len(ghs))
}

func (w *Writer) writeNodeAvg(tx *sql.Tx, ts int64, na NodeAvg) {
	nodeRow, err := w.ensureNode(tx, na.Greenhouse, na.Node)
	if err != nil {
		w.logger.Warnw("node ensure failed, snapshot skipped", "greenhouse", na.Greenhouse, "node", na.Node, "error", err)
		return
	}

	for f := Field(0); f < NumFields; f++ {
		def := f.Def()
		sensorRow, err := w.ensureSensor(tx, def.Key, def.Unit)
		if err != nil {
			w.logger.Warnw("sensor ensure failed, field skipped", "key", def.Key, "error", err)
			continue
		}
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO node_values (ts_ms, node_id, sensor_type_id, value, agg, window_sec)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ts, nodeRow, sensorRow, round2(na.Means[f]), w.aggKind(), int(w.window.Seconds()),
		)
		if err != nil {
			w.logger.Warnw("node field insert failed, row skipped", "key", def.Key, "error", err)
		}
	}
}

func (w *Writer) writeGhAvg(tx *sql.Tx, ts int64, ga GhAvg) {
	if err := w.ensureGreenhouse(tx, ga.Greenhouse); err != nil {
		w.logger.Warnw("greenhouse ensure failed, snapshot skipped", "greenhouse", ga.Greenhouse, "error", err)
		return
	}

	for f := Field(0); f < NumFields; f++ {
		def := f.Def()
		sensorRow, err := w.ensureSensor(tx, def.Key, def.Unit)
		if err != nil {
			w.logger.Warnw("sensor ensure failed, field skipped", "key", def.Key, "error", err)
			continue
		}
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO greenhouse_average (ts_ms, greenhouse_id, sensor_type_id, value, nodes, agg, window_sec)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ts, ga.Greenhouse, sensorRow, round2(ga.Means[f]), ga.Nodes, w.aggKind(), int(w.window.Seconds()),
		)
		if err != nil {
			w.logger.Warnw("greenhouse field insert failed, row skipped", "key", def.Key, "error", err)
		}
	}
}

// ensureGreenhouse inserts the greenhouse identity row if absent.
func (w *Writer) ensureGreenhouse(tx *sql.Tx, ghID uint16) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO greenhouse_id (id) VALUES (?)`, ghID)
	return err
}

// ensureNode inserts the node identity row (and its greenhouse) if absent
// and returns the node's row id.
func (w *Writer) ensureNode(tx *sql.Tx, ghID, nodeID uint16) (int64, error) {
	if err := w.ensureGreenhouse(tx, ghID); err != nil {
		return 0, err
	}
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO node_name (greenhouse_id, node_id, label) VALUES (?, ?, ?)`,
		ghID, nodeID, NodeLabel(nodeID),
	)
	if err != nil {
		return 0, err
	}

	var rowID int64
	err = tx.QueryRow(
		`SELECT id FROM node_name WHERE greenhouse_id = ? AND node_id = ?`,
		ghID, nodeID,
	).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("Writer: node row lookup: %s", err)
	}
	return rowID, nil
}

// ensureSensor inserts the sensor-kind catalog row if absent and returns
// its row id.
func (w *Writer) ensureSensor(tx *sql.Tx, key, unit string) (int64, error) {
	_, err := tx.Exec(`INSERT OR IGNORE INTO sensor_type (key, unit) VALUES (?, ?)`, key, unit)
	if err != nil {
		return 0, err
	}

	var rowID int64
	err = tx.QueryRow(`SELECT id FROM sensor_type WHERE key = ?`, key).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("Writer: sensor row lookup: %s", err)
	}
	return rowID, nil
}

func (w *Writer) aggKind() string {
	return fmt.Sprintf("rolling_%ds", int(w.window.Seconds()))
}

// round2 rounds a mean to two decimals strictly at the storage boundary.
// An absent mean stays NULL.
func round2(v null.Float) sql.NullFloat64 {
	if !v.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: math.Round(v.Float64*100) / 100, Valid: true}
}
