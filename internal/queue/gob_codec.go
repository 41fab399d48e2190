package queue

import (
	"bytes"
	"encoding/gob"
)

// Codec serializes envelopes for the durable store.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var _ Codec = gobCodec{}

type gobCodec struct{}

// Marshal serializes the value to bytes.
func (p gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal reverses the bytes to a value.
func (p gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(v)
}
