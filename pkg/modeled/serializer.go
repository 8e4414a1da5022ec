// Package modeled layers typed values over a coordination.Handle. A Spec pairs
// a path with a Serializer; a Handle reads and writes values of that type and
// a CachedHandle serves them from a cache.
package modeled

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Common serialization errors
var (
	// ErrInvalidData is returned when the data cannot be serialized or deserialized
	ErrInvalidData = errors.New("invalid data for serialization")
)

// Serializer converts model values to and from stored bytes.
type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
	// ContentType returns the MIME type of the encoding.
	ContentType() string
}

type jsonSerializer[T any] struct{}

// JSON encodes values with encoding/json. Unknown fields are ignored on decode.
func JSON[T any]() Serializer[T] {
	return jsonSerializer[T]{}
}

func (jsonSerializer[T]) Serialize(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialization failed: %w", err)
	}
	return data, nil
}

func (jsonSerializer[T]) Deserialize(data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("%w: cannot deserialize empty data", ErrInvalidData)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("json deserialization failed: %w", err)
	}
	return v, nil
}

func (jsonSerializer[T]) ContentType() string {
	return "application/json"
}

type protoSerializer[T proto.Message] struct {
	newT func() T
}

// Proto encodes protobuf messages. newT returns an empty message to decode into.
func Proto[T proto.Message](newT func() T) Serializer[T] {
	return protoSerializer[T]{newT: newT}
}

func (s protoSerializer[T]) Serialize(v T) ([]byte, error) {
	data, err := proto.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protobuf serialization failed: %w", err)
	}
	return data, nil
}

// Deserialize decodes data. Empty data is a valid message with default values.
func (s protoSerializer[T]) Deserialize(data []byte) (T, error) {
	msg := s.newT()
	if err := proto.Unmarshal(data, msg); err != nil {
		return msg, fmt.Errorf("protobuf deserialization failed: %w", err)
	}
	return msg, nil
}

func (protoSerializer[T]) ContentType() string {
	return "application/protobuf"
}

type rawSerializer struct{}

// Raw passes bytes through unchanged.
func Raw() Serializer[[]byte] {
	return rawSerializer{}
}

func (rawSerializer) Serialize(v []byte) ([]byte, error) {
	return v, nil
}

func (rawSerializer) Deserialize(data []byte) ([]byte, error) {
	return data, nil
}

func (rawSerializer) ContentType() string {
	return "application/octet-stream"
}
