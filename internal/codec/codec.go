package codec

import (
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/bytedance/sonic"
)

// api sorts map keys so identical records encode to identical bytes.
var api = sonic.Config{
	SortMapKeys:      true,
	ValidateString:   true,
	CompactMarshaler: true,
}.Froze()

// Marshal encodes any journal payload.
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal decodes any journal payload.
func Unmarshal(src []byte, v any) error {
	return api.Unmarshal(src, v)
}

// EncodeTick serializes a tick record.
func EncodeTick(rec schema.TickRecord) ([]byte, error) {
	return api.Marshal(&rec)
}

// DecodeTick parses a tick record payload.
func DecodeTick(src []byte) (schema.TickRecord, error) {
	var rec schema.TickRecord
	if err := api.Unmarshal(src, &rec); err != nil {
		return schema.TickRecord{}, err
	}
	schema.SortPositions(rec.Positions.Positions)
	return rec, nil
}

// EncodeSnapshot serializes a position snapshot.
func EncodeSnapshot(snap schema.PositionSnapshot) ([]byte, error) {
	return api.Marshal(&snap)
}

// DecodeSnapshot parses a position snapshot payload.
func DecodeSnapshot(src []byte) (schema.PositionSnapshot, error) {
	var snap schema.PositionSnapshot
	if err := api.Unmarshal(src, &snap); err != nil {
		return schema.PositionSnapshot{}, err
	}
	schema.SortPositions(snap.Positions)
	return snap, nil
}

// EncodeRunEvent serializes a run start or stop marker.
func EncodeRunEvent(ev schema.RunEvent) ([]byte, error) {
	return api.Marshal(&ev)
}

// DecodeRunEvent parses a run marker payload.
func DecodeRunEvent(src []byte) (schema.RunEvent, error) {
	var ev schema.RunEvent
	err := api.Unmarshal(src, &ev)
	return ev, err
}
