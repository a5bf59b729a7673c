package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Header Structure
// --------------------------------------------------------------------------

// Header is carried in front of every application message, independent of the
// wire encoding chosen by the serializer.
type Header struct {
	DestID   uint64   `json:"destid,omitempty"`   // entity id of the receiver (0 = resolve by DestName)
	DestName string   `json:"destname,omitempty"` // entity name of the receiver
	SrcID    uint64   `json:"srcid,omitempty"`    // entity id of the sender
	Mode     MsgMode  `json:"mode"`
	Status   Status   `json:"status,omitempty"`
	Type     string   `json:"type"`             // type name of the payload struct
	CorrID   uint64   `json:"corrid,omitempty"` // 0 = fire and forget
	Meta     []string `json:"meta,omitempty"`   // key/value pairs (alternating)
}

// NewRequestHeader creates the header of a request
func NewRequestHeader(destID uint64, destName string, srcID uint64, typeName string, corrID uint64) Header {
	return Header{
		DestID:   destID,
		DestName: destName,
		SrcID:    srcID,
		Mode:     MsgModeRequest,
		Type:     typeName,
		CorrID:   corrID,
	}
}

// NewReplyHeader creates the reply header for a received request header
func NewReplyHeader(req Header, srcID uint64, status Status, typeName string) Header {
	return Header{
		DestID: req.SrcID,
		SrcID:  srcID,
		Mode:   MsgModeReply,
		Status: status,
		Type:   typeName,
		CorrID: req.CorrID,
	}
}

// --------------------------------------------------------------------------
// Message Mode
// --------------------------------------------------------------------------

// MsgMode tells whether a message is a request, a reply or a one-way event
type MsgMode uint8

const (
	MsgModeRequest MsgMode = iota
	MsgModeReply
	MsgModeEvent
)

// String returns the string representation of a MsgMode.
func (m MsgMode) String() string {
	switch m {
	case MsgModeRequest:
		return "request"
	case MsgModeReply:
		return "reply"
	case MsgModeEvent:
		return "event"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes MsgMode as a string
func (m MsgMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON parses MsgMode from a string
func (m *MsgMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "request":
		*m = MsgModeRequest
	case "reply":
		*m = MsgModeReply
	case "event":
		*m = MsgModeEvent
	default:
		return fmt.Errorf("unknown message mode: %s", s)
	}
	return nil
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the result code carried in reply headers and handed to reply callbacks
type Status uint8

const (
	StatusOK Status = iota
	StatusEntityNotFound
	StatusPeerDisconnected
	StatusSessionDisconnected
	StatusRequestTypeNotKnown
	StatusSyntaxError
	StatusWrongReplyType
	StatusNoReply
	StatusWrongContentType
)

var statusNames = []string{
	"ok",
	"entity_not_found",
	"peer_disconnected",
	"session_disconnected",
	"requesttype_not_known",
	"syntax_error",
	"wrong_reply_type",
	"no_reply",
	"wrong_contenttype",
}

// String returns the string representation of a Status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// MarshalJSON serializes Status as a string
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses Status from a string
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	for i, name := range statusNames {
		if name == str {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status: %s", str)
}

// --------------------------------------------------------------------------
// Content Type
// --------------------------------------------------------------------------

// ContentType selects the serializer used for a session
type ContentType uint8

const (
	ContentTypeBinary ContentType = iota
	ContentTypeJSON
	ContentTypeGob
)

// String returns the string representation of a ContentType.
func (c ContentType) String() string {
	switch c {
	case ContentTypeBinary:
		return "binary"
	case ContentTypeJSON:
		return "json"
	case ContentTypeGob:
		return "gob"
	default:
		return "unknown"
	}
}

// ParseContentType converts the textual content type (json, binary, gob)
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary", "":
		return ContentTypeBinary, nil
	case "json":
		return ContentTypeJSON, nil
	case "gob":
		return ContentTypeGob, nil
	default:
		return ContentTypeBinary, fmt.Errorf("invalid content type %s (expected one of: binary, json, gob)", s)
	}
}
