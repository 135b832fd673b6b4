package decoderpb

import "fmt"

// RawCodec is a passthrough gRPC codec: messages are pre-marshaled
// []byte frames produced by this package. Registering it under the
// "proto" name keeps the content-type the decoder expects.
type RawCodec struct{}

func (RawCodec) Name() string { return "proto" }

func (RawCodec) Marshal(v any) ([]byte, error) {
	raw, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: expected []byte, got %T", v)
	}
	return raw, nil
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: expected *[]byte, got %T", v)
	}
	*out = data
	return nil
}
