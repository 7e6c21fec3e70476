// Package wire defines how invocations and outcomes travel between the
// master and remote workers: CBOR payloads inside protobuf BytesValue
// messages on a single unary gRPC method.
package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ContentType identifies the payload encoding.
const ContentType = "application/cbor"

// Codec is a deterministic CBOR codec. Big integers always travel as bignums
// so that they decode back into *big.Int.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCodec builds the codec used on the worker connection.
func NewCodec() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encOpts.BigIntConvert = cbor.BigIntConvertNone
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, err
	}

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		BigIntDec:      cbor.BigIntDecodePointer,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &Codec{enc: em, dec: dm}, nil
}

func (c *Codec) ContentType() string                { return ContentType }
func (c *Codec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *Codec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
