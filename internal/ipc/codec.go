package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec encodes frame payloads. The header flag names the codec so each
// side can decode frames regardless of its own preference.
type Codec interface {
	Name() string
	Flag() uint8
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Flag() uint8  { return FlagJSON }
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal keeps numbers as json.Number so integer command parameters
// survive without float rounding.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Flag() uint8  { return FlagCBOR }
func (cborCodec) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}
func (cborCodec) Unmarshal(data []byte, v any) error {
	return cborDec.Unmarshal(data, v)
}

// JSON and CBOR are the supported codecs.
var (
	JSON Codec = jsonCodec{}
	CBOR Codec = cborCodec{}
)

// CodecByName resolves a configured codec name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

// codecFor picks the codec named by a frame's flags. Frames without a
// codec flag are JSON.
func codecFor(flags uint8) Codec {
	if flags&FlagCBOR != 0 {
		return CBOR
	}
	return JSON
}

func encode(c Codec, msgType MessageType, requestID uint32, extra uint8, v any) (*Message, error) {
	var payload []byte
	if v != nil {
		var err error
		payload, err = c.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
	}
	return NewMessage(msgType, requestID, c.Flag()|extra, payload), nil
}

func decode(m *Message, v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	if err := codecFor(m.Header.Flags).Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Header.Type, err)
	}
	return nil
}
