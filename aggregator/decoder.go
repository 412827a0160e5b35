package aggregator

import (
	"encoding/binary"
	"fmt"
	"math"
)

// OutdoorNodeID is the reserved node id of the outdoor reference probe.
// Payloads from any other node id use the Standard layout.
const OutdoorNodeID uint16 = 65001

// Payload layouts are packed little-endian with fixed offsets.
const (
	standardPayloadLen = 60
	outdoorPayloadLen  = 22
)

// Field enumerates every measured quantity a node can report. The catalog
// is shared by both sample variants; a variant that does not carry a field
// reports NaN for it.
type Field int

const (
	FieldAirTemp Field = iota
	FieldLeafTemp
	FieldBagTemp
	FieldAirRH
	FieldBagRH1
	FieldBagRH2
	FieldBagRH3
	FieldBagRH4
	FieldBagRHAvg
	FieldPAR
	FieldWeight
	FieldEaAir
	FieldEaLeaf
	FieldEs
	FieldVPD

	NumFields
)

// FieldDef describes a catalog entry: the stable key persisted in the
// sensor_type table and the unit recorded with it.
type FieldDef struct {
	Key  string
	Unit string
}

var fieldDefs = [NumFields]FieldDef{
	FieldAirTemp:  {Key: "air_temp_c", Unit: "C"},
	FieldLeafTemp: {Key: "leaf_temp_c", Unit: "C"},
	FieldBagTemp:  {Key: "bag_temp_c", Unit: "C"},
	FieldAirRH:    {Key: "air_rh_pct", Unit: "%"},
	FieldBagRH1:   {Key: "bag_rh1_pct", Unit: "%"},
	FieldBagRH2:   {Key: "bag_rh2_pct", Unit: "%"},
	FieldBagRH3:   {Key: "bag_rh3_pct", Unit: "%"},
	FieldBagRH4:   {Key: "bag_rh4_pct", Unit: "%"},
	FieldBagRHAvg: {Key: "bag_rh_avg_pct", Unit: "%"},
	FieldPAR:      {Key: "par_value", Unit: ""},
	FieldWeight:   {Key: "weight_g", Unit: ""},
	FieldEaAir:    {Key: "ea_air_kpa", Unit: "kPa"},
	FieldEaLeaf:   {Key: "ea_leaf_kpa", Unit: "kPa"},
	FieldEs:       {Key: "es_kpa", Unit: "kPa"},
	FieldVPD:      {Key: "vpd_kpa", Unit: "kPa"},
}

// Def returns the catalog entry for the Field.
func (f Field) Def() FieldDef {
	return fieldDefs[f]
}

// fieldVector holds one value per catalog Field. Fields the variant does
// not carry are NaN.
type fieldVector [NumFields]float64

func emptyVector() fieldVector {
	var v fieldVector
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

type nodeKind int

const (
	kindStandard nodeKind = iota
	kindOutdoor
)

func (k nodeKind) String() string {
	if k == kindOutdoor {
		return "outdoor"
	}
	return "standard"
}

// Sample is a single decoded reading. The two variants are distinct value
// types sharing no embedding; consumers dispatch on the node id predicate
// or on the kind.
type Sample interface {
	Greenhouse() uint16
	Node() uint16

	kind() nodeKind
	values() fieldVector
}

// StandardSample is a reading from an in-greenhouse node.
type StandardSample struct {
	GreenhouseID uint16
	NodeID       uint16

	AirTempC  float32
	LeafTempC float32
	BagTempC  float32
	AirRHPct  float32

	BagRH1Pct   float32
	BagRH2Pct   float32
	BagRH3Pct   float32
	BagRH4Pct   float32
	BagRHAvgPct float32

	// Integer-coded on the wire, widened to float downstream.
	PARValue uint16
	WeightG  uint16

	EaAirKPa  float32
	EaLeafKPa float32
	EsKPa     float32
	VPDKPa    float32
}

func (s StandardSample) Greenhouse() uint16 { return s.GreenhouseID }
func (s StandardSample) Node() uint16       { return s.NodeID }
func (s StandardSample) kind() nodeKind     { return kindStandard }

func (s StandardSample) values() fieldVector {
	var v fieldVector
	v[FieldAirTemp] = float64(s.AirTempC)
	v[FieldLeafTemp] = float64(s.LeafTempC)
	v[FieldBagTemp] = float64(s.BagTempC)
	v[FieldAirRH] = float64(s.AirRHPct)
	v[FieldBagRH1] = float64(s.BagRH1Pct)
	v[FieldBagRH2] = float64(s.BagRH2Pct)
	v[FieldBagRH3] = float64(s.BagRH3Pct)
	v[FieldBagRH4] = float64(s.BagRH4Pct)
	v[FieldBagRHAvg] = float64(s.BagRHAvgPct)
	v[FieldPAR] = float64(s.PARValue)
	v[FieldWeight] = float64(s.WeightG)
	v[FieldEaAir] = float64(s.EaAirKPa)
	v[FieldEaLeaf] = float64(s.EaLeafKPa)
	v[FieldEs] = float64(s.EsKPa)
	v[FieldVPD] = float64(s.VPDKPa)
	return v
}

// OutdoorSample is a reading from the outdoor reference probe.
type OutdoorSample struct {
	GreenhouseID uint16
	NodeID       uint16

	AirTempC float32
	AirRHPct float32
	PARValue uint16
	EaAirKPa float32
	EsKPa    float32
}

func (s OutdoorSample) Greenhouse() uint16 { return s.GreenhouseID }
func (s OutdoorSample) Node() uint16       { return s.NodeID }
func (s OutdoorSample) kind() nodeKind     { return kindOutdoor }

func (s OutdoorSample) values() fieldVector {
	v := emptyVector()
	v[FieldAirTemp] = float64(s.AirTempC)
	v[FieldAirRH] = float64(s.AirRHPct)
	v[FieldPAR] = float64(s.PARValue)
	v[FieldEaAir] = float64(s.EaAirKPa)
	v[FieldEs] = float64(s.EsKPa)
	return v
}

func u16le(p []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(p[off:])
}

func f32le(p []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p[off:]))
}

// DecodePayload decodes a raw payload into a Sample. The variant is chosen
// by the node id at offset 2, not by topic: the reserved outdoor probe id
// selects the Outdoor layout, everything else is Standard. Truncated
// payloads fail with an error; the decoder never panics.
func DecodePayload(p []byte) (Sample, error) {
	if len(p) < 4 {
		return nil, fmt.Errorf("decode: payload too short for header (%d bytes)", len(p))
	}

	nodeID := u16le(p, 2)

	if nodeID == OutdoorNodeID {
		if len(p) < outdoorPayloadLen {
			return nil, fmt.Errorf("decode: outdoor payload too short (%d bytes, want %d)", len(p), outdoorPayloadLen)
		}
		return OutdoorSample{
			GreenhouseID: u16le(p, 0),
			NodeID:       nodeID,
			AirTempC:     f32le(p, 4),
			AirRHPct:     f32le(p, 8),
			PARValue:     u16le(p, 12),
			EaAirKPa:     f32le(p, 14),
			EsKPa:        f32le(p, 18),
		}, nil
	}

	if len(p) < standardPayloadLen {
		return nil, fmt.Errorf("decode: standard payload too short (%d bytes, want %d)", len(p), standardPayloadLen)
	}
	return StandardSample{
		GreenhouseID: u16le(p, 0),
		NodeID:       nodeID,
		AirTempC:     f32le(p, 4),
		LeafTempC:    f32le(p, 8),
		BagTempC:     f32le(p, 12),
		AirRHPct:     f32le(p, 16),
		BagRH1Pct:    f32le(p, 20),
		BagRH2Pct:    f32le(p, 24),
		BagRH3Pct:    f32le(p, 28),
		BagRH4Pct:    f32le(p, 32),
		BagRHAvgPct:  f32le(p, 36),
		PARValue:     u16le(p, 40),
		WeightG:      u16le(p, 42),
		EaAirKPa:     f32le(p, 44),
		EaLeafKPa:    f32le(p, 48),
		EsKPa:        f32le(p, 52),
		VPDKPa:       f32le(p, 56),
	}, nil
}

const fallbackNodeLabel = "nodeXX"

var nodeLabels = map[uint16]string{
	OutdoorNodeID: "Outdoor_Node",
	1:             "node01",
	2:             "node02",
	3:             "node03",
	4:             "node04",
	5:             "node05",
	6:             "node06",
	7:             "node07",
	8:             "node08",
	9:             "node09",
	10:            "node10",
	11:            "node11",
	12:            "node12",
}

// NodeLabel returns the stable human label for a node id. Unknown ids get
// a generic fallback rather than an error.
func NodeLabel(nodeID uint16) string {
	if label, ok := nodeLabels[nodeID]; ok {
		return label
	}
	return fallbackNodeLabel
}
