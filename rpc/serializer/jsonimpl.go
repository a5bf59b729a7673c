package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding.
// A message is encoded as the array [header, payload] without newlines, so it
// can be sent over delimiter_nl.
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

var jsonNull = []byte("null")

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) ContentType() common.ContentType {
	return common.ContentTypeJSON
}

func (j jsonSerializerImpl) Serialize(h common.Header, payload interface{}) ([]byte, error) {
	return json.Marshal([2]interface{}{h, payload})
}

func (j jsonSerializerImpl) Deserialize(b []byte, h *common.Header) ([]byte, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return nil, err
	}
	if len(parts) == 0 || len(parts) > 2 {
		return nil, fmt.Errorf("expected [header, payload], got %d elements", len(parts))
	}
	*h = common.Header{}
	if err := json.Unmarshal(parts[0], h); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if len(parts) == 1 || bytes.Equal(parts[1], jsonNull) {
		return nil, nil
	}
	return parts[1], nil
}

func (j jsonSerializerImpl) Unmarshal(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}
