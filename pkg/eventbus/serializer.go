package eventbus

import "errors"

var (
	// ErrInvalidData is returned when a value cannot be encoded or decoded.
	ErrInvalidData = errors.New("invalid data for serialization")
)

// Serializer encodes message payloads.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	// Deserialize decodes data into target, which must be a pointer.
	Deserialize(data []byte, target any) error
	ContentType() string
}
