package apiv1

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CodecName is the codec name used on the wire: Connect requests carry
// "application/cbor" or "application/connect+cbor", gRPC requests
// "application/grpc+cbor".
const CodecName = "cbor"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("apiv1: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Codec marshals messages as CBOR. It satisfies both connect.Codec and
// the gRPC encoding.Codec interface.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("apiv1: unmarshal %T: %w", v, err)
	}
	return nil
}
