package serializer

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob encoding.
// Layout: 4 byte header length (big endian), gob header, gob payload.
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) ContentType() common.ContentType {
	return common.ContentTypeGob
}

func (g gobSerializerImpl) Serialize(h common.Header, payload interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))

	if payload != nil {
		if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, h *common.Header) ([]byte, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("data too short for header length")
	}
	headerLen := int(binary.BigEndian.Uint32(b[:4]))
	if 4+headerLen > len(b) {
		return nil, fmt.Errorf("data too short for header data")
	}
	*h = common.Header{}
	if err := gob.NewDecoder(bytes.NewReader(b[4 : 4+headerLen])).Decode(h); err != nil {
		return nil, err
	}
	return b[4+headerLen:], nil
}

func (g gobSerializerImpl) Unmarshal(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
