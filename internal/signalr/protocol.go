package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates the handshake and every json-framed packet.
const recordSeparator = 0x1E

// Protocol is a hub wire codec. Implementations are stateless and shared
// across connections.
type Protocol interface {
	// Name matches the handshake "protocol" field.
	Name() string
	// TransferFormat is "Text" or "Binary" and selects the websocket
	// frame type.
	TransferFormat() string

	// Parse splits one websocket frame into hub packets. A frame may
	// carry several packets.
	Parse(data []byte) ([]Packet, error)

	// EncodeInvocation frames a server-initiated call. An empty id makes
	// it fire-and-forget.
	EncodeInvocation(id, target string, args []any) ([]byte, error)
	// EncodeCompletion frames the answer to an inbound invocation.
	// hasResult distinguishes a void completion from a nil result.
	EncodeCompletion(id, errMsg string, result any, hasResult bool) ([]byte, error)
	EncodePing() ([]byte, error)
	EncodeClose(errMsg string, allowReconnect bool) ([]byte, error)
}

// defaultProtocols returns the codecs every hub speaks.
func defaultProtocols() map[string]Protocol {
	js := &jsonProtocol{}
	mp := &msgpackProtocol{}
	return map[string]Protocol{
		js.Name(): js,
		mp.Name(): mp,
	}
}

// parseHandshake consumes the record-separated handshake request from the
// head of a frame and returns any trailing bytes untouched.
func parseHandshake(data []byte) (*handshakeRequest, []byte, error) {
	idx := bytes.IndexByte(data, recordSeparator)
	if idx < 0 {
		return nil, nil, fmt.Errorf("handshake missing record separator")
	}
	var req handshakeRequest
	if err := json.Unmarshal(data[:idx], &req); err != nil {
		return nil, nil, fmt.Errorf("malformed handshake: %w", err)
	}
	return &req, data[idx+1:], nil
}

func encodeHandshakeResponse(errMsg string) []byte {
	payload, _ := json.Marshal(handshakeResponse{Error: errMsg})
	return append(payload, recordSeparator)
}
