package protocol

import (
	"bytes"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	vperrors "github.com/voiceping/router/pkg/errors"
)

// Encode packs a frame into its positional binary form. Encoding is total:
// any well-formed frame round-trips through Decode.
func Encode(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(5); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(f.Channel)); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(f.Type)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.From); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(f.To); err != nil {
		return nil, err
	}
	if len(f.Payload) == 0 {
		if err := enc.EncodeNil(); err != nil {
			return nil, err
		}
	} else if err := enc.Encode(f.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode unpacks a positional binary frame. The payload is not interpreted.
func Decode(data []byte) (*Frame, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, vperrors.ErrMalformedFrame
	}
	if n != 4 && n != 5 {
		return nil, vperrors.ErrMalformedFrame
	}

	channel, err := dec.DecodeInt()
	if err != nil {
		return nil, vperrors.ErrMalformedFrame
	}
	if channel != int(ChannelPrivate) && channel != int(ChannelGroup) {
		return nil, vperrors.ErrUnsupportedType
	}

	msgType, err := dec.DecodeInt()
	if err != nil {
		return nil, vperrors.ErrMalformedFrame
	}
	if msgType < 0 {
		return nil, vperrors.ErrUnsupportedType
	}

	from, err := decodeID(dec)
	if err != nil {
		return nil, vperrors.ErrMalformedFrame
	}
	to, err := decodeID(dec)
	if err != nil {
		return nil, vperrors.ErrMalformedFrame
	}

	f := &Frame{
		Channel: ChannelType(channel),
		Type:    MessageType(msgType),
		From:    from,
		To:      to,
	}

	if n == 5 {
		var raw msgpack.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, vperrors.ErrMalformedFrame
		}
		// A nil payload element decodes back to an empty payload.
		if len(raw) != 1 || raw[0] != 0xc0 {
			f.Payload = raw
		}
	}
	return f, nil
}

// decodeID accepts the loose addressing forms seen on the wire: ids are
// usually strings, but "broadcast" destinations may arrive as the integer 0.
func decodeID(dec *msgpack.Decoder) (string, error) {
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return "", err
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case []byte:
		return string(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case nil:
		return "", nil
	default:
		return "", vperrors.ErrMalformedFrame
	}
}
