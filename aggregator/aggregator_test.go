package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigApplyDefaults(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()

	assert.Equal(t, 1883, c.MQTT.Port)
	assert.Equal(t, "greenhouse/+/node/+/data", c.MQTT.Topic)
	assert.Equal(t, 512, c.Writer.BatchSize)
	assert.Equal(t, time.Second, c.Writer.FlushInterval)
	assert.Equal(t, time.Minute, c.Node.Window)
	assert.Equal(t, 64, c.Node.MaxSamples)
	assert.Equal(t, time.Minute, c.Greenhouse.Window)
	assert.Equal(t, 5*time.Second, c.Greenhouse.StaleGrace)
	assert.Equal(t, 256, c.Channels.Samples)
	assert.Equal(t, 128, c.Channels.NodeAvg)
	assert.Equal(t, 64, c.Channels.GhAvg)
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	c := Config{}
	c.Node.Window = 30 * time.Second
	c.ApplyDefaults()

	assert.Equal(t, 30*time.Second, c.Node.Window)
	// Greenhouse window follows the node window unless set explicitly.
	assert.Equal(t, 30*time.Second, c.Greenhouse.Window)
}

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	c := Config{}
	c.ApplyDefaults()
	return NewAggregator(c, openTestDB(t), nil, zap.NewNop().Sugar())
}

func TestSubmitForwardsDecodedSample(t *testing.T) {
	a := newTestAggregator(t)

	a.Submit(encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 2, AirTempC: 20}))

	select {
	case s := <-a.samples:
		assert.Equal(t, uint16(1), s.Greenhouse())
		assert.Equal(t, uint16(2), s.Node())
	default:
		t.Fatal("decoded sample must be queued")
	}
}

func TestNilDatabaseDisablesWriterOnly(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()
	a := NewAggregator(c, nil, nil, zap.NewNop().Sugar())

	assert.Nil(t, a.writer)

	a.Submit(encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 2, AirTempC: 20}))
	assert.Len(t, a.samples, 1)
}

func TestSubmitDropsMalformedPayload(t *testing.T) {
	a := newTestAggregator(t)

	a.Submit([]byte{0x01, 0x00, 0x02})
	assert.Empty(t, a.samples)
}

func TestSubmitDropsOnFullQueueWithoutBlocking(t *testing.T) {
	c := Config{}
	c.ApplyDefaults()
	c.Channels.Samples = 1
	a := NewAggregator(c, openTestDB(t), nil, zap.NewNop().Sugar())

	payload := encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 1})

	done := make(chan struct{})
	go func() {
		a.Submit(payload)
		a.Submit(payload) // queue full; must drop, not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
	assert.Len(t, a.samples, 1)
}

// Two standard samples for (gh=1, node=1) within one window: the node mean
// is exact upstream and rounded to two decimals only in storage.
func TestEndToEndNodeMeanToStorage(t *testing.T) {
	db := openTestDB(t)

	nodeForDb := make(chan NodeAvg, 16)
	nodeAgg := NewNodeAggregator(
		NodeAggregatorConfig{Window: time.Minute, MaxSamples: 64},
		make(chan Sample), make(chan NodeAvg, 16), nodeForDb, nil, zap.NewNop().Sugar(),
	)

	base := time.Now()
	for _, temp := range []float32{20.0, 22.0} {
		s, err := DecodePayload(encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 1, AirTempC: temp}))
		require.NoError(t, err)
		nodeAgg.ingest(s, base)
	}
	nodeAgg.emit(base.Add(30 * time.Second))

	avg := <-nodeForDb
	require.True(t, avg.Means[FieldAirTemp].Valid)
	assert.InDelta(t, 21.0, avg.Means[FieldAirTemp].Float64, 1e-9)

	w, _, _ := newTestWriter(t, db, WriterConfig{})
	w.nodeBuf = append(w.nodeBuf, avg)
	w.flush()

	var value float64
	err := db.QueryRow(`
		SELECT v.value FROM node_values v
		JOIN sensor_type s ON s.id = v.sensor_type_id
		JOIN node_name n ON n.id = v.node_id
		WHERE s.key = 'air_temp_c' AND n.greenhouse_id = 1 AND n.node_id = 1`).Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, 21.0, value)
}

// One outdoor sample flows through both aggregation levels unchanged.
func TestEndToEndOutdoorToGreenhouse(t *testing.T) {
	nodeForGh := make(chan NodeAvg, 16)
	nodeAgg := NewNodeAggregator(
		NodeAggregatorConfig{Window: time.Minute, MaxSamples: 64},
		make(chan Sample), nodeForGh, make(chan NodeAvg, 16), nil, zap.NewNop().Sugar(),
	)
	ghForDb := make(chan GhAvg, 16)
	ghAgg := NewGreenhouseAggregator(
		GreenhouseAggregatorConfig{Window: time.Minute, StaleGrace: 5 * time.Second},
		make(chan NodeAvg), ghForDb, nil, zap.NewNop().Sugar(),
	)

	s, err := DecodePayload(encodeOutdoor(OutdoorSample{GreenhouseID: 1, NodeID: OutdoorNodeID, AirRHPct: 55.3}))
	require.NoError(t, err)

	base := time.Now()
	nodeAgg.ingest(s, base)
	nodeAgg.emit(base.Add(10 * time.Second))

	na := <-nodeForGh
	require.True(t, na.Means[FieldAirRH].Valid)
	assert.InDelta(t, 55.3, na.Means[FieldAirRH].Float64, 1e-4)

	ghAgg.observe(na)
	ghAgg.emit(base.Add(20 * time.Second))

	ga := <-ghForDb
	assert.Equal(t, 1, ga.Nodes)
	require.True(t, ga.Means[FieldAirRH].Valid)
	assert.InDelta(t, 55.3, ga.Means[FieldAirRH].Float64, 1e-4)
}
