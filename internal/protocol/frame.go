package protocol

import (
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// ChannelType selects the addressing mode of a frame.
type ChannelType int

const (
	ChannelPrivate ChannelType = 0
	ChannelGroup   ChannelType = 1
)

// MessageType identifies what the frame carries.
type MessageType int

const (
	MessageText             MessageType = 1
	MessageAudio            MessageType = 3
	MessageAck              MessageType = 4
	MessageRegister         MessageType = 6
	MessageConnection       MessageType = 7
	MessageLoginDuplicated  MessageType = 8
	MessageConnectionAck    MessageType = 9
	MessageHeartbeat        MessageType = 30
	MessagePresenceUpdate   MessageType = 31
	MessagePresenceSnapshot MessageType = 32
)

var messageTypeNames = map[MessageType]string{
	MessageText:             "text",
	MessageAudio:            "audio",
	MessageAck:              "ack",
	MessageRegister:         "register",
	MessageConnection:       "connection",
	MessageLoginDuplicated:  "login_duplicated",
	MessageConnectionAck:    "connection_ack",
	MessageHeartbeat:        "heartbeat",
	MessagePresenceUpdate:   "presence_update",
	MessagePresenceSnapshot: "presence_snapshot",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Frame is the five-field positional tuple carried on every socket:
// [channelType, messageType, fromId, toId, payload]. The payload is kept
// as raw MessagePack so audio chunks pass through without a re-encode.
type Frame struct {
	Channel ChannelType
	Type    MessageType
	From    string
	To      string
	Payload msgpack.RawMessage
}

// NewPayload marshals a structured value into a frame payload.
func NewPayload(v interface{}) (msgpack.RawMessage, error) {
	return msgpack.Marshal(v)
}

// BytesPayload wraps opaque bytes (audio) into a frame payload.
func BytesPayload(b []byte) msgpack.RawMessage {
	data, _ := msgpack.Marshal(b)
	return data
}

// PayloadBytes unwraps an opaque byte payload.
func (f *Frame) PayloadBytes() ([]byte, error) {
	var b []byte
	if err := msgpack.Unmarshal(f.Payload, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// PayloadTo unmarshals a structured payload into v.
func (f *Frame) PayloadTo(v interface{}) error {
	return msgpack.Unmarshal(f.Payload, v)
}
