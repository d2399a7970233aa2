// Package schema defines the framed host message types and validates their
// handshake fields.
package schema

import (
	"fmt"
	"strings"

	"github.com/danmuck/portmux/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message types.
const (
	MsgOpen    uint16 = 1
	MsgOpenAck uint16 = 2
	MsgAttach  uint16 = 3
	MsgData    uint16 = 4
	MsgClose   uint16 = 5
	MsgError   uint16 = 6
)

// Field IDs.
const (
	FieldChannel uint16 = 1
	FieldRole    uint16 = 2

	FieldCode    uint16 = 100
	FieldMessage uint16 = 101
)

// Roles a client declares when opening a channel.
const (
	RoleConnect uint8 = 1
	RoleAccept  uint8 = 2
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

// Data and Close carry no TLV payload and have no entry.
var requirements = map[uint16][]Requirement{
	MsgOpen: {
		{FieldChannel, tlv.TypeString},
		{FieldRole, tlv.TypeU8},
	},
	MsgOpenAck: {
		{FieldChannel, tlv.TypeString},
	},
	MsgAttach: {
		{FieldChannel, tlv.TypeString},
	},
	MsgError: {
		{FieldCode, tlv.TypeString},
		{FieldMessage, tlv.TypeString},
	},
}

// HasFields reports whether messageType carries a TLV payload.
func HasFields(messageType uint16) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and their types. Unknown fields are
// ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint16("message_type", messageType).Msg("schema: no field requirements")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint16("message_type", messageType).Uint16("field_id", req.ID).Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}

// Open is the first frame of every framed connection.
type Open struct {
	Channel string
	Role    uint8
}

func (o Open) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldChannel, o.Channel),
		tlv.U8(FieldRole, o.Role),
	})
}

func DecodeOpen(payload []byte) (Open, error) {
	fields, err := decode(MsgOpen, payload)
	if err != nil {
		return Open{}, err
	}
	channel, err := stringField(MsgOpen, fields, FieldChannel)
	if err != nil {
		return Open{}, err
	}
	f, _ := tlv.GetField(fields, FieldRole)
	role, err := f.AsU8()
	if err != nil {
		return Open{}, err
	}
	if role != RoleConnect && role != RoleAccept {
		return Open{}, ValidationError{MessageType: MsgOpen, FieldID: FieldRole, Reason: "unknown role"}
	}
	return Open{Channel: channel, Role: role}, nil
}

// EncodeChannel builds the payload of OpenAck and Attach.
func EncodeChannel(channel string) []byte {
	return tlv.EncodeFields([]tlv.Field{tlv.String(FieldChannel, channel)})
}

// DecodeChannel reads the payload of OpenAck and Attach.
func DecodeChannel(messageType uint16, payload []byte) (string, error) {
	fields, err := decode(messageType, payload)
	if err != nil {
		return "", err
	}
	return stringField(messageType, fields, FieldChannel)
}

// Failure is the payload of an Error frame.
type Failure struct {
	Code    string
	Message string
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f Failure) Encode() []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(FieldCode, f.Code),
		tlv.String(FieldMessage, f.Message),
	})
}

func DecodeFailure(payload []byte) (Failure, error) {
	fields, err := decode(MsgError, payload)
	if err != nil {
		return Failure{}, err
	}
	code, err := stringField(MsgError, fields, FieldCode)
	if err != nil {
		return Failure{}, err
	}
	f, _ := tlv.GetField(fields, FieldMessage)
	msg, err := f.AsString()
	if err != nil {
		return Failure{}, err
	}
	return Failure{Code: code, Message: msg}, nil
}

func decode(messageType uint16, payload []byte) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	if err := Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func stringField(messageType uint16, fields []tlv.Field, id uint16) (string, error) {
	f, _ := tlv.GetField(fields, id)
	v, err := f.AsString()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(v) == "" {
		return "", ValidationError{MessageType: messageType, FieldID: id, Reason: "empty value"}
	}
	return v, nil
}
