package aggregator

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Config is the main configuration
type Config struct {
	Env        string                     `yaml:"env"`
	MQTT       MQTTConfig                 `yaml:"mqtt"`
	SQLite     SQLiteConfig               `yaml:"sqlite"`
	Writer     WriterConfig               `yaml:"writer"`
	Node       NodeAggregatorConfig       `yaml:"node"`
	Greenhouse GreenhouseAggregatorConfig `yaml:"greenhouse"`
	Channels   ChannelConfig              `yaml:"channels"`
}

// ChannelConfig sizes the bounded inter-stage queues. Capacities stay
// small on purpose: overflow drops the incoming message instead of
// blocking the producer.
type ChannelConfig struct {
	Samples int `yaml:"samples"`
	NodeAvg int `yaml:"node_avg"`
	GhAvg   int `yaml:"gh_avg"`
}

// ApplyDefaults fills every zero-valued knob so an empty config file still
// runs the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "greenhouse-aggregator"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "greenhouse/+/node/+/data"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = "data/app.db"
	}
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = 512
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = time.Second
	}
	if c.Node.Window == 0 {
		c.Node.Window = time.Minute
	}
	if c.Node.MaxSamples == 0 {
		c.Node.MaxSamples = 64
	}
	if c.Greenhouse.Window == 0 {
		c.Greenhouse.Window = c.Node.Window
	}
	if c.Greenhouse.StaleGrace == 0 {
		c.Greenhouse.StaleGrace = 5 * time.Second
	}
	if c.Channels.Samples == 0 {
		c.Channels.Samples = 256
	}
	if c.Channels.NodeAvg == 0 {
		c.Channels.NodeAvg = 128
	}
	if c.Channels.GhAvg == 0 {
		c.Channels.GhAvg = 64
	}
}

// Aggregator wires the pipeline: Subscriber -> Decoder -> NodeAggregator ->
// {GreenhouseAggregator, Writer} -> Writer, with optional mirroring to a UI
// Emitter. Every hop is a bounded channel with drop-on-full semantics; no
// stage ever shares mutable state with another.
type Aggregator struct {
	config  Config
	samples chan Sample

	subscriber *Subscriber
	node       *NodeAggregator
	greenhouse *GreenhouseAggregator
	writer     *Writer
	forwarder  *Forwarder

	logger *zap.SugaredLogger
}

// NewAggregator creates a new Aggregator. emitter may be nil; the UI
// forwarding stage and its queues are then left out entirely.
func NewAggregator(config Config, db *sql.DB, emitter Emitter, logger *zap.SugaredLogger) *Aggregator {
	a := &Aggregator{
		config:  config,
		samples: make(chan Sample, config.Channels.Samples),
		logger:  logger,
	}

	nodeForGh := make(chan NodeAvg, config.Channels.NodeAvg)
	nodeForDb := make(chan NodeAvg, config.Channels.NodeAvg)
	ghForDb := make(chan GhAvg, config.Channels.GhAvg)

	var nodeForUi chan NodeAvg
	var ghForUi chan GhAvg
	if emitter != nil {
		nodeForUi = make(chan NodeAvg, config.Channels.NodeAvg)
		ghForUi = make(chan GhAvg, config.Channels.GhAvg)
		a.forwarder = NewForwarder(emitter, nodeForUi, ghForUi, logger)
	}

	a.subscriber = NewSubscriber(config.MQTT, a.Submit, logger)
	a.node = NewNodeAggregator(config.Node, a.samples, nodeForGh, nodeForDb, nodeForUi, logger)
	a.greenhouse = NewGreenhouseAggregator(config.Greenhouse, nodeForGh, ghForDb, ghForUi, logger)

	// A nil db means storage init failed: the writer stage is left out and
	// its queues silently overflow, keeping the rest of the pipeline live.
	if db != nil {
		a.writer = NewWriter(config.Writer, config.Node.Window, db, nodeForDb, ghForDb, logger)
	}

	return a
}

// Submit decodes a raw payload and forwards the sample without awaiting
// downstream capacity. The transport collaborator calls this once per
// received message; it never blocks.
func (a *Aggregator) Submit(payload []byte) {
	s, err := DecodePayload(payload)
	if err != nil {
		a.logger.Warnw("decode failed, sample dropped", "bytes", len(payload), "error", err)
		return
	}
	if !trySend(a.samples, s) {
		a.logger.Debugw("sample queue full, sample dropped", "greenhouse", s.Greenhouse(), "node", s.Node())
	}
}

// Run starts every stage and blocks until the context is cancelled. There
// is no graceful drain: a buffered-but-unflushed batch is lost on exit.
func (a *Aggregator) Run(ctx context.Context) {
	if a.writer != nil {
		go a.writer.Run(ctx)
	}
	go a.greenhouse.Run(ctx)
	go a.node.Run(ctx)
	if a.forwarder != nil {
		go a.forwarder.Run(ctx)
	}
	go a.subscriber.Run(ctx)

	<-ctx.Done()
}
