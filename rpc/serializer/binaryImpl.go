package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

// NewBinarySerializer creates a new serializer using a compact binary header
// followed by a CBOR encoded payload
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional header fields are present
const (
	hasDestID   byte = 1 << 0
	hasDestName byte = 1 << 1
	hasSrcID    byte = 1 << 2
	hasStatus   byte = 1 << 3
	hasType     byte = 1 << 4
	hasCorrID   byte = 1 << 5
	hasMeta     byte = 1 << 6
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) ContentType() common.ContentType {
	return common.ContentTypeBinary
}

func (b binarySerializerImpl) Serialize(h common.Header, payload interface{}) ([]byte, error) {
	body, err := b.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	headerSize := b.HeaderSize(h)
	result := make([]byte, headerSize+len(body))
	b.PutHeader(result, h)
	copy(result[headerSize:], body)
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, h *common.Header) ([]byte, error) {
	// Check minimum size (Mode + flags)
	if len(data) < 2 {
		return nil, fmt.Errorf("data too short for message header")
	}

	*h = common.Header{Mode: common.MsgMode(data[0])}
	flags := data[1]
	pos := 2

	var err error
	if flags&hasDestID != 0 {
		if h.DestID, pos, err = getUint64(data, pos, "DestID"); err != nil {
			return nil, err
		}
	}

	if flags&hasDestName != 0 {
		if h.DestName, pos, err = getString(data, pos, "DestName"); err != nil {
			return nil, err
		}
	}

	if flags&hasSrcID != 0 {
		if h.SrcID, pos, err = getUint64(data, pos, "SrcID"); err != nil {
			return nil, err
		}
	}

	if flags&hasStatus != 0 {
		if pos+1 > len(data) {
			return nil, fmt.Errorf("data too short for Status")
		}
		h.Status = common.Status(data[pos])
		pos += 1
	}

	if flags&hasType != 0 {
		if h.Type, pos, err = getString(data, pos, "Type"); err != nil {
			return nil, err
		}
	}

	if flags&hasCorrID != 0 {
		if h.CorrID, pos, err = getUint64(data, pos, "CorrID"); err != nil {
			return nil, err
		}
	}

	if flags&hasMeta != 0 {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("data too short for meta length")
		}
		count := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if count > len(data)-pos {
			return nil, fmt.Errorf("data too short for %d meta entries", count)
		}
		h.Meta = make([]string, count)
		for i := range h.Meta {
			if h.Meta[i], pos, err = getString(data, pos, "meta entry"); err != nil {
				return nil, err
			}
		}
	}

	return data[pos:], nil
}

func (b binarySerializerImpl) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, v)
}

// --------------------------------------------------------------------------
// Layered Methods (docu see serializer.ILayeredSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) HeaderSize(h common.Header) int {
	return b.sizeBytes(h)
}

func (b binarySerializerImpl) MarshalPayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return cbor.Marshal(payload)
}

func (b binarySerializerImpl) PutHeader(result []byte, h common.Header) {
	// Write message mode
	result[0] = byte(h.Mode)

	// Initialize flags byte
	var flags byte = 0

	// Set position for writing
	pos := 2 // Start after Mode and flags

	if h.DestID != 0 {
		flags |= hasDestID
		binary.BigEndian.PutUint64(result[pos:pos+8], h.DestID)
		pos += 8
	}

	if h.DestName != "" {
		flags |= hasDestName
		pos = putString(result, pos, h.DestName)
	}

	if h.SrcID != 0 {
		flags |= hasSrcID
		binary.BigEndian.PutUint64(result[pos:pos+8], h.SrcID)
		pos += 8
	}

	if h.Status != common.StatusOK {
		flags |= hasStatus
		result[pos] = byte(h.Status)
		pos += 1
	}

	if h.Type != "" {
		flags |= hasType
		pos = putString(result, pos, h.Type)
	}

	if h.CorrID != 0 {
		flags |= hasCorrID
		binary.BigEndian.PutUint64(result[pos:pos+8], h.CorrID)
		pos += 8
	}

	if h.Meta != nil {
		flags |= hasMeta
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(h.Meta)))
		pos += 4
		for _, m := range h.Meta {
			pos = putString(result, pos, m)
		}
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the size of the encoded header
func (b binarySerializerImpl) sizeBytes(h common.Header) int {
	// 1 byte for Mode + 1 byte for flags
	size := 2

	if h.DestID != 0 {
		size += 8
	}
	if h.DestName != "" {
		size += 4 + len(h.DestName)
	}
	if h.SrcID != 0 {
		size += 8
	}
	if h.Status != common.StatusOK {
		size += 1
	}
	if h.Type != "" {
		size += 4 + len(h.Type)
	}
	if h.CorrID != 0 {
		size += 8
	}
	if h.Meta != nil {
		size += 4
		for _, m := range h.Meta {
			size += 4 + len(m)
		}
	}

	return size
}

// putString writes a length prefixed string and returns the new position
func putString(buf []byte, pos int, s string) int {
	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(s)))
	pos += 4
	copy(buf[pos:pos+len(s)], s)
	return pos + len(s)
}

func getString(data []byte, pos int, field string) (string, int, error) {
	if pos+4 > len(data) {
		return "", pos, fmt.Errorf("data too short for %s length", field)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n > len(data)-pos {
		return "", pos, fmt.Errorf("data too short for %s data", field)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

func getUint64(data []byte, pos int, field string) (uint64, int, error) {
	if pos+8 > len(data) {
		return 0, pos, fmt.Errorf("data too short for %s", field)
	}
	return binary.BigEndian.Uint64(data[pos : pos+8]), pos + 8, nil
}
