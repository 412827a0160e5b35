package aggregator

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putF32(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
}

func encodeStandard(s StandardSample) []byte {
	b := make([]byte, standardPayloadLen)
	binary.LittleEndian.PutUint16(b[0:], s.GreenhouseID)
	binary.LittleEndian.PutUint16(b[2:], s.NodeID)
	putF32(b, 4, s.AirTempC)
	putF32(b, 8, s.LeafTempC)
	putF32(b, 12, s.BagTempC)
	putF32(b, 16, s.AirRHPct)
	putF32(b, 20, s.BagRH1Pct)
	putF32(b, 24, s.BagRH2Pct)
	putF32(b, 28, s.BagRH3Pct)
	putF32(b, 32, s.BagRH4Pct)
	putF32(b, 36, s.BagRHAvgPct)
	binary.LittleEndian.PutUint16(b[40:], s.PARValue)
	binary.LittleEndian.PutUint16(b[42:], s.WeightG)
	putF32(b, 44, s.EaAirKPa)
	putF32(b, 48, s.EaLeafKPa)
	putF32(b, 52, s.EsKPa)
	putF32(b, 56, s.VPDKPa)
	return b
}

func encodeOutdoor(s OutdoorSample) []byte {
	b := make([]byte, outdoorPayloadLen)
	binary.LittleEndian.PutUint16(b[0:], s.GreenhouseID)
	binary.LittleEndian.PutUint16(b[2:], s.NodeID)
	putF32(b, 4, s.AirTempC)
	putF32(b, 8, s.AirRHPct)
	binary.LittleEndian.PutUint16(b[12:], s.PARValue)
	putF32(b, 14, s.EaAirKPa)
	putF32(b, 18, s.EsKPa)
	return b
}

func TestDecodePayloadStandardRoundTrip(t *testing.T) {
	want := StandardSample{
		GreenhouseID: 1,
		NodeID:       2,
		AirTempC:     23.5,
		LeafTempC:    22.1,
		BagTempC:     24.9,
		AirRHPct:     61.2,
		BagRH1Pct:    70.0,
		BagRH2Pct:    71.5,
		BagRH3Pct:    69.8,
		BagRH4Pct:    72.3,
		BagRHAvgPct:  70.9,
		PARValue:     834,
		WeightG:      12034,
		EaAirKPa:     1.752,
		EaLeafKPa:    2.231,
		EsKPa:        2.876,
		VPDKPa:       1.124,
	}

	got, err := DecodePayload(encodeStandard(want))
	require.NoError(t, err)
	require.IsType(t, StandardSample{}, got)
	assert.Equal(t, want, got.(StandardSample))
}

func TestDecodePayloadOutdoorRoundTrip(t *testing.T) {
	want := OutdoorSample{
		GreenhouseID: 1,
		NodeID:       OutdoorNodeID,
		AirTempC:     12.4,
		AirRHPct:     55.3,
		PARValue:     1200,
		EaAirKPa:     0.801,
		EsKPa:        1.442,
	}

	got, err := DecodePayload(encodeOutdoor(want))
	require.NoError(t, err)
	require.IsType(t, OutdoorSample{}, got)
	assert.Equal(t, want, got.(OutdoorSample))
}

// Variant selection follows the node id, not the payload length or topic:
// any id other than the reserved outdoor one is a standard node.
func TestDecodePayloadDispatchByNodeID(t *testing.T) {
	p := encodeStandard(StandardSample{GreenhouseID: 7, NodeID: 999})
	got, err := DecodePayload(p)
	require.NoError(t, err)
	assert.IsType(t, StandardSample{}, got)
	assert.Equal(t, uint16(999), got.Node())
}

func TestDecodePayloadOversizedAccepted(t *testing.T) {
	p := append(encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 1, AirTempC: 20}), 0xAA, 0xBB)
	got, err := DecodePayload(p)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, float64(got.(StandardSample).AirTempC), 1e-6)
}

func TestDecodePayloadTruncatedStandard(t *testing.T) {
	full := encodeStandard(StandardSample{GreenhouseID: 1, NodeID: 3})
	for n := 0; n < standardPayloadLen; n++ {
		_, err := DecodePayload(full[:n])
		assert.Errorf(t, err, "payload of %d bytes must not decode", n)
	}
}

func TestDecodePayloadTruncatedOutdoor(t *testing.T) {
	full := encodeOutdoor(OutdoorSample{GreenhouseID: 1, NodeID: OutdoorNodeID})
	for n := 0; n < outdoorPayloadLen; n++ {
		_, err := DecodePayload(full[:n])
		assert.Errorf(t, err, "payload of %d bytes must not decode", n)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	_, err := DecodePayload(nil)
	assert.Error(t, err)
}

func TestNodeLabel(t *testing.T) {
	tests := []struct {
		nodeID uint16
		want   string
	}{
		{1, "node01"},
		{4, "node04"},
		{12, "node12"},
		{OutdoorNodeID, "Outdoor_Node"},
		{999, "nodeXX"},
		{0, "nodeXX"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NodeLabel(tt.nodeID))
	}
}

func TestStandardValuesWidenIntegerFields(t *testing.T) {
	s := StandardSample{PARValue: 834, WeightG: 12034}
	v := s.values()
	assert.Equal(t, 834.0, v[FieldPAR])
	assert.Equal(t, 12034.0, v[FieldWeight])
}

func TestOutdoorValuesMarkMissingFieldsNaN(t *testing.T) {
	s := OutdoorSample{AirTempC: 10, AirRHPct: 50, PARValue: 3, EaAirKPa: 1, EsKPa: 2}
	v := s.values()

	carried := map[Field]bool{
		FieldAirTemp: true, FieldAirRH: true, FieldPAR: true, FieldEaAir: true, FieldEs: true,
	}
	for f := Field(0); f < NumFields; f++ {
		if carried[f] {
			assert.Falsef(t, math.IsNaN(v[f]), "field %s must carry a value", f.Def().Key)
		} else {
			assert.Truef(t, math.IsNaN(v[f]), "field %s must be NaN", f.Def().Key)
		}
	}
}
