// Copyright 2025 James Ross
package suspension

import (
	"encoding/json"
	"fmt"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/klauspost/compress/zstd"
)

// Codec serializes suspension records for storage.
type Codec interface {
	Name() string
	Encode(r *Record) ([]byte, error)
	Decode(data []byte) (*Record, error)
}

// wireRecord carries tagged values so decoding needs no type context.
type wireRecord struct {
	StructuralHash  string                     `json:"structuralHash"`
	ProvidedInputs  map[string]json.RawMessage `json:"providedInputs"`
	ComputedNodes   map[string]json.RawMessage `json:"computedNodes"`
	MissingInputs   map[string]string          `json:"missingInputs"`
	PendingOutputs  []string                   `json:"pendingOutputs"`
	ResumptionCount int                        `json:"resumptionCount"`
	CreatedAtMillis int64                      `json:"createdAtMillis"`
}

// JSONCodec is the default record codec.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(r *Record) ([]byte, error) {
	w := wireRecord{
		StructuralHash:  r.StructuralHash,
		ProvidedInputs:  make(map[string]json.RawMessage, len(r.ProvidedInputs)),
		ComputedNodes:   make(map[string]json.RawMessage, len(r.ComputedNodes)),
		MissingInputs:   make(map[string]string, len(r.MissingInputs)),
		PendingOutputs:  r.PendingOutputs,
		ResumptionCount: r.ResumptionCount,
		CreatedAtMillis: r.CreatedAtMillis,
	}
	for name, v := range r.ProvidedInputs {
		raw, err := cvalue.EncodeTagged(v)
		if err != nil {
			return nil, fmt.Errorf("encode input %q: %w", name, err)
		}
		w.ProvidedInputs[name] = raw
	}
	for id, v := range r.ComputedNodes {
		raw, err := cvalue.EncodeTagged(v)
		if err != nil {
			return nil, fmt.Errorf("encode node %q: %w", id, err)
		}
		w.ComputedNodes[string(id)] = raw
	}
	for name, t := range r.MissingInputs {
		w.MissingInputs[name] = t.String()
	}
	return json.Marshal(w)
}

func (JSONCodec) Decode(data []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	r := &Record{
		StructuralHash:  w.StructuralHash,
		ProvidedInputs:  make(map[string]cvalue.Value, len(w.ProvidedInputs)),
		ComputedNodes:   make(map[dag.NodeID]cvalue.Value, len(w.ComputedNodes)),
		MissingInputs:   make(map[string]cvalue.Type, len(w.MissingInputs)),
		PendingOutputs:  w.PendingOutputs,
		ResumptionCount: w.ResumptionCount,
		CreatedAtMillis: w.CreatedAtMillis,
	}
	for name, raw := range w.ProvidedInputs {
		v, err := cvalue.DecodeTagged(raw)
		if err != nil {
			return nil, fmt.Errorf("decode input %q: %w", name, err)
		}
		r.ProvidedInputs[name] = v
	}
	for id, raw := range w.ComputedNodes {
		v, err := cvalue.DecodeTagged(raw)
		if err != nil {
			return nil, fmt.Errorf("decode node %q: %w", id, err)
		}
		r.ComputedNodes[dag.NodeID(id)] = v
	}
	for name, ts := range w.MissingInputs {
		t, err := cvalue.ParseType(ts)
		if err != nil {
			return nil, fmt.Errorf("decode missing input type %q: %w", name, err)
		}
		r.MissingInputs[name] = t
	}
	return r, nil
}

// ZstdCodec wraps another codec with zstd compression. Large suspensions
// (wide computedNodes maps) shrink considerably on disk.
type ZstdCodec struct {
	Inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// NewZstdCodec builds a compressing codec over inner (JSONCodec if nil).
func NewZstdCodec(inner Codec) (*ZstdCodec, error) {
	if inner == nil {
		inner = JSONCodec{}
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &ZstdCodec{Inner: inner, enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Name() string { return c.Inner.Name() + "+zstd" }

func (c *ZstdCodec) Encode(r *Record) ([]byte, error) {
	raw, err := c.Inner.Encode(r)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *ZstdCodec) Decode(data []byte) (*Record, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return c.Inner.Decode(raw)
}

// VerifyRoundTrip checks encode∘decode is identity for r. Stores can run
// this before the first write of a session to catch codec drift early.
func VerifyRoundTrip(c Codec, r *Record) error {
	data, err := c.Encode(r)
	if err != nil {
		return err
	}
	back, err := c.Decode(data)
	if err != nil {
		return err
	}
	if !recordsEqual(r, back) {
		return ErrCodecRoundTrip
	}
	return nil
}

func recordsEqual(a, b *Record) bool {
	if a.StructuralHash != b.StructuralHash ||
		a.ResumptionCount != b.ResumptionCount ||
		a.CreatedAtMillis != b.CreatedAtMillis ||
		len(a.ProvidedInputs) != len(b.ProvidedInputs) ||
		len(a.ComputedNodes) != len(b.ComputedNodes) ||
		len(a.MissingInputs) != len(b.MissingInputs) ||
		len(a.PendingOutputs) != len(b.PendingOutputs) {
		return false
	}
	for name, v := range a.ProvidedInputs {
		if !v.Equal(b.ProvidedInputs[name]) {
			return false
		}
	}
	for id, v := range a.ComputedNodes {
		if !v.Equal(b.ComputedNodes[id]) {
			return false
		}
	}
	for name, t := range a.MissingInputs {
		bt, ok := b.MissingInputs[name]
		if !ok || !t.Equal(bt) {
			return false
		}
	}
	for i, name := range a.PendingOutputs {
		if b.PendingOutputs[i] != name {
			return false
		}
	}
	return true
}
