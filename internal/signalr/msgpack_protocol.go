package signalr

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// msgpackProtocol frames each packet as a LEB128 length-prefixed
// MessagePack array whose first element is the kind tag. Models travel
// as positional arrays, enums by ordinal.
type msgpackProtocol struct{}

// Completion result kinds on the messagepack wire.
const (
	resultKindError   = 1
	resultKindVoid    = 2
	resultKindNonVoid = 3
)

// maxVarintLen bounds the length prefix; five 7-bit groups cover the
// protocol's 2 GB message cap.
const maxVarintLen = 5

func appendVarint(dst []byte, n uint64) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if n == 0 {
			return dst
		}
	}
}

func readVarint(data []byte) (uint64, int, error) {
	var length uint64
	var shift uint
	for i := 0; i < len(data); i++ {
		if i >= maxVarintLen {
			return 0, 0, fmt.Errorf("length prefix exceeds %d bytes", maxVarintLen)
		}
		b := data[i]
		length |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return length, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("truncated length prefix")
}

type msgpackArgument struct {
	raw msgpack.RawMessage
}

func (a msgpackArgument) Decode(v any) error {
	return msgpack.Unmarshal(a.raw, v)
}

func (msgpackProtocol) Name() string           { return "messagepack" }
func (msgpackProtocol) TransferFormat() string { return "Binary" }

func (p msgpackProtocol) Parse(data []byte) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		length, consumed, err := readVarint(data)
		if err != nil {
			return nil, err
		}
		data = data[consumed:]
		if uint64(len(data)) < length {
			return nil, fmt.Errorf("truncated packet: want %d bytes, have %d", length, len(data))
		}
		pkt, err := p.decodePacket(data[:length])
		if err != nil {
			return nil, err
		}
		data = data[length:]
		packets = append(packets, pkt)
	}
	return packets, nil
}

func (msgpackProtocol) decodePacket(payload []byte) (Packet, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("packet is not an array: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("empty packet array")
	}
	kind, err := dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("missing kind tag: %w", err)
	}

	switch MessageType(kind) {
	case MessageInvocation:
		if n < 5 {
			return nil, fmt.Errorf("invocation packet has %d elements", n)
		}
		if err := dec.Skip(); err != nil { // headers
			return nil, err
		}
		id, err := decodeNilableString(dec)
		if err != nil {
			return nil, fmt.Errorf("invocation id: %w", err)
		}
		target, err := dec.DecodeString()
		if err != nil {
			return nil, fmt.Errorf("invocation target: %w", err)
		}
		argc, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, fmt.Errorf("invocation arguments: %w", err)
		}
		inv := &Invocation{ID: id, Target: target}
		for i := 0; i < argc; i++ {
			var raw msgpack.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("invocation argument %d: %w", i, err)
			}
			inv.Arguments = append(inv.Arguments, msgpackArgument{raw: raw})
		}
		if n >= 6 {
			if err := dec.Decode(&inv.StreamIDs); err != nil {
				return nil, fmt.Errorf("invocation stream ids: %w", err)
			}
		}
		return inv, nil

	case MessageCompletion:
		if n < 4 {
			return nil, fmt.Errorf("completion packet has %d elements", n)
		}
		if err := dec.Skip(); err != nil { // headers
			return nil, err
		}
		id, err := decodeNilableString(dec)
		if err != nil {
			return nil, fmt.Errorf("completion id: %w", err)
		}
		resultKind, err := dec.DecodeInt()
		if err != nil {
			return nil, fmt.Errorf("completion result kind: %w", err)
		}
		comp := &Completion{ID: id}
		switch resultKind {
		case resultKindError:
			if comp.Error, err = decodeNilableString(dec); err != nil {
				return nil, fmt.Errorf("completion error: %w", err)
			}
		case resultKindVoid:
		case resultKindNonVoid:
			var raw msgpack.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("completion result: %w", err)
			}
			comp.Result = msgpackArgument{raw: raw}
		default:
			return nil, fmt.Errorf("unknown completion result kind %d", resultKind)
		}
		return comp, nil

	case MessagePing:
		return Ping{}, nil

	case MessageClose:
		cls := &Close{}
		if n >= 2 {
			if cls.Error, err = decodeNilableString(dec); err != nil {
				return nil, fmt.Errorf("close error: %w", err)
			}
		}
		if n >= 3 {
			if cls.AllowReconnect, err = dec.DecodeBool(); err != nil {
				return nil, fmt.Errorf("close allowReconnect: %w", err)
			}
		}
		return cls, nil

	default:
		return nil, fmt.Errorf("unsupported message type %d", kind)
	}
}

func decodeNilableString(dec *msgpack.Decoder) (string, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return "", err
	}
	if code == msgpcode.Nil {
		return "", dec.DecodeNil()
	}
	return dec.DecodeString()
}

func encodeNilableString(enc *msgpack.Encoder, s string) error {
	if s == "" {
		return enc.EncodeNil()
	}
	return enc.EncodeString(s)
}

func frameMsgpack(payload []byte) []byte {
	framed := appendVarint(make([]byte, 0, len(payload)+maxVarintLen), uint64(len(payload)))
	return append(framed, payload...)
}

func (msgpackProtocol) EncodeInvocation(id, target string, args []any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(6); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageInvocation)); err != nil {
		return nil, err
	}
	if err := enc.EncodeMapLen(0); err != nil { // headers
		return nil, err
	}
	if err := encodeNilableString(enc, id); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(target); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(args)); err != nil {
		return nil, err
	}
	for i, arg := range args {
		if err := enc.Encode(arg); err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
	}
	if err := enc.EncodeArrayLen(0); err != nil { // stream ids
		return nil, err
	}
	return frameMsgpack(buf.Bytes()), nil
}

func (msgpackProtocol) EncodeCompletion(id, errMsg string, result any, hasResult bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	kind := resultKindVoid
	switch {
	case errMsg != "":
		kind = resultKindError
	case hasResult:
		kind = resultKindNonVoid
	}

	elements := 4
	if kind != resultKindVoid {
		elements = 5
	}
	if err := enc.EncodeArrayLen(elements); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageCompletion)); err != nil {
		return nil, err
	}
	if err := enc.EncodeMapLen(0); err != nil { // headers
		return nil, err
	}
	if err := encodeNilableString(enc, id); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(kind)); err != nil {
		return nil, err
	}
	switch kind {
	case resultKindError:
		if err := enc.EncodeString(errMsg); err != nil {
			return nil, err
		}
	case resultKindNonVoid:
		if err := enc.Encode(result); err != nil {
			return nil, fmt.Errorf("encode completion result: %w", err)
		}
	}
	return frameMsgpack(buf.Bytes()), nil
}

func (msgpackProtocol) EncodePing() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(1); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessagePing)); err != nil {
		return nil, err
	}
	return frameMsgpack(buf.Bytes()), nil
}

func (msgpackProtocol) EncodeClose(errMsg string, allowReconnect bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(3); err != nil {
		return nil, err
	}
	if err := enc.EncodeInt(int64(MessageClose)); err != nil {
		return nil, err
	}
	if err := encodeNilableString(enc, errMsg); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(allowReconnect); err != nil {
		return nil, err
	}
	return frameMsgpack(buf.Bytes()), nil
}
