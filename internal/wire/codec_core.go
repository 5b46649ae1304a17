package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding: sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical envelope always produces
// identical bytes.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown map keys are preserved by
// decoding into map[string]cbor.RawMessage first (see Decode in codec.go)
// rather than relying on struct-level unknown-field rejection.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// marshal encodes v to CBOR using deterministic encoding.
func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// unmarshal decodes CBOR data into v.
func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// rawMessage is a raw, not-yet-decoded CBOR value. Keeping fields
// this core does not recognize as rawMessage values (rather than
// dropping them) is what lets encode(decode(frame)) round-trip
// unknown fields unchanged.
type rawMessage = cbor.RawMessage
