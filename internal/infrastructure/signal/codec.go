package signal

import (
	"encoding/json"
	"fmt"
	"reflect"

	"sfuclient/internal/core/domain"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec turns envelopes into frames and back.
type Codec interface {
	Name() string
	Marshal(env domain.Envelope) ([]byte, error)
	Unmarshal(data []byte, env *domain.Envelope) error
	// FrameType is the websocket message type frames are written with.
	FrameType() int
}

// NewCodec returns the codec registered under name ("json" or "cbor").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("unknown signaling codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(env domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(data []byte, env *domain.Envelope) error {
	return json.Unmarshal(data, env)
}

func (JSONCodec) FrameType() int { return websocket.TextMessage }

// CBORCodec encodes the envelope in deterministic CBOR. Content stays a
// JSON document carried as a byte string.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }

func (c *CBORCodec) Marshal(env domain.Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c *CBORCodec) Unmarshal(data []byte, env *domain.Envelope) error {
	return c.dec.Unmarshal(data, env)
}

func (c *CBORCodec) FrameType() int { return websocket.BinaryMessage }
