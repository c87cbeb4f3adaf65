package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonProtocol frames each packet as a camelCase JSON object terminated
// by the 0x1E record separator.
type jsonProtocol struct{}

type jsonPacket struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	StreamIDs      []string          `json:"streamIds,omitempty"`
	Error          string            `json:"error,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type jsonArgument struct {
	raw json.RawMessage
}

func (a jsonArgument) Decode(v any) error {
	return json.Unmarshal(a.raw, v)
}

func (jsonProtocol) Name() string           { return "json" }
func (jsonProtocol) TransferFormat() string { return "Text" }

func (p jsonProtocol) Parse(data []byte) ([]Packet, error) {
	var packets []Packet
	for len(data) > 0 {
		idx := bytes.IndexByte(data, recordSeparator)
		if idx < 0 {
			return nil, fmt.Errorf("json frame not terminated by record separator")
		}
		record := data[:idx]
		data = data[idx+1:]
		if len(record) == 0 {
			continue
		}

		var raw jsonPacket
		if err := json.Unmarshal(record, &raw); err != nil {
			return nil, fmt.Errorf("malformed json packet: %w", err)
		}
		pkt, err := p.toPacket(&raw)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

func (jsonProtocol) toPacket(raw *jsonPacket) (Packet, error) {
	switch raw.Type {
	case MessageInvocation:
		inv := &Invocation{
			ID:        raw.InvocationID,
			Target:    raw.Target,
			StreamIDs: raw.StreamIDs,
		}
		inv.Arguments = make([]Argument, len(raw.Arguments))
		for i, arg := range raw.Arguments {
			inv.Arguments[i] = jsonArgument{raw: arg}
		}
		return inv, nil
	case MessageCompletion:
		comp := &Completion{ID: raw.InvocationID, Error: raw.Error}
		if len(raw.Result) > 0 {
			comp.Result = jsonArgument{raw: raw.Result}
		}
		return comp, nil
	case MessagePing:
		return Ping{}, nil
	case MessageClose:
		return &Close{Error: raw.Error, AllowReconnect: raw.AllowReconnect}, nil
	default:
		return nil, fmt.Errorf("unsupported message type %d", raw.Type)
	}
}

func frameJSON(raw *jsonPacket) ([]byte, error) {
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return append(payload, recordSeparator), nil
}

func (jsonProtocol) EncodeInvocation(id, target string, args []any) ([]byte, error) {
	raw := &jsonPacket{
		Type:         MessageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    make([]json.RawMessage, len(args)),
	}
	for i, arg := range args {
		enc, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
		raw.Arguments[i] = enc
	}
	return frameJSON(raw)
}

func (jsonProtocol) EncodeCompletion(id, errMsg string, result any, hasResult bool) ([]byte, error) {
	raw := &jsonPacket{
		Type:         MessageCompletion,
		InvocationID: id,
		Error:        errMsg,
	}
	if hasResult && errMsg == "" {
		enc, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encode completion result: %w", err)
		}
		raw.Result = enc
	}
	return frameJSON(raw)
}

func (jsonProtocol) EncodePing() ([]byte, error) {
	return frameJSON(&jsonPacket{Type: MessagePing})
}

func (jsonProtocol) EncodeClose(errMsg string, allowReconnect bool) ([]byte, error) {
	return frameJSON(&jsonPacket{Type: MessageClose, Error: errMsg, AllowReconnect: allowReconnect})
}
