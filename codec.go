package syncsession

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// Codec turns a session payload into bytes for a Backend and back.
// Backends never inspect the encoded form.
type Codec interface {
	Marshal(values map[string]any) ([]byte, error)
	Unmarshal(data []byte) (map[string]any, error)
}

// GobCodec encodes payloads with encoding/gob. It is the default codec and
// preserves Go types (an int stays an int). Custom value types must be
// registered with gob.Register.
type GobCodec struct{}

func (GobCodec) Marshal(values map[string]any) ([]byte, error) {
	buf := getBuffer()
	defer PutBuffer(buf)

	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	// The pooled buffer is wiped on return, so hand out a copy.
	return bytes.Clone(buf.Bytes()), nil
}

func (GobCodec) Unmarshal(data []byte) (map[string]any, error) {
	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer readerPool.Put(reader)

	var values map[string]any
	if err := gob.NewDecoder(reader).Decode(&values); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return values, nil
}

// JSONCodec encodes payloads as JSON. Numbers come back as float64.
type JSONCodec struct{}

func (JSONCodec) Marshal(values map[string]any) ([]byte, error) {
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return values, nil
}

// CodecByName resolves the codec names accepted in Options.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "gob":
		return GobCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}
