// Package protocol defines the wire-level Packet envelope and the two
// codecs that serialize it, grounded on the teacher's 4-byte
// command+payload framing (same use of encoding/binary for a tagged,
// length-prefixed layout) and on the original webshocket.packets module
// (Packet{data, source, channel, rpc}, RPCRequest/RPCResponse).
package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const maxPayloadSize = 10 * 1024 * 1024 // 10MB, matches the teacher's cap

// RPCRequest is the client-to-server half of the RPC envelope.
type RPCRequest struct {
	CallID string         `json:"call_id"`
	Method string         `json:"method"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// RPCResponse is the server-to-client half of the RPC envelope. Error is
// the zero value (empty string) when the call succeeded; Response still
// carries the handler's return value even when it is a Go zero value, so
// a falsy return is never confused with "no response".
type RPCResponse struct {
	CallID       string `json:"call_id"`
	Response     any    `json:"response"`
	Error        string `json:"error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Packet is the framework's unit of application-level message. Exactly
// one of {Data, RPC} is semantically primary per spec.md §3; the other is
// inert when not applicable.
type Packet struct {
	Data    any          `json:"data,omitempty"`
	Source  int          `json:"source"`
	Channel string       `json:"channel,omitempty"`
	RPC     *RPCEnvelope `json:"rpc,omitempty"`
}

// RPCEnvelope carries exactly one of Request or Response.
type RPCEnvelope struct {
	Request  *RPCRequest
	Response *RPCResponse
}

// Codec is the interface both wire formats satisfy.
type Codec interface {
	Encode(p *Packet) ([]byte, error)
	Decode(data []byte) (*Packet, error)
}

// ---- JSON codec ---------------------------------------------------------

// JSONCodec is the default, cross-language wire format documented in
// spec.md §6.
type JSONCodec struct{}

type jsonRPCEnvelope struct {
	Type         string         `json:"type"`
	CallID       string         `json:"call_id"`
	Method       string         `json:"method,omitempty"`
	Args         []any          `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	Response     *responseValue `json:"response,omitempty"`
	Error        *string        `json:"error"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// responseValue wraps an RPC response's return value so its presence on
// the wire is controlled by a nil *pointer*, never by whether the value
// itself is a Go zero value. Without this indirection, json's omitempty
// on a bare `any` field drops a handler's nil/0/""/false return —
// exactly the falsy-response bug spec.md §8 calls out by name.
type responseValue struct{ v any }

func (r responseValue) MarshalJSON() ([]byte, error) { return json.Marshal(r.v) }

func (r *responseValue) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &r.v) }

type jsonPacket struct {
	Data    any              `json:"data,omitempty"`
	Source  int              `json:"source"`
	Channel string           `json:"channel,omitempty"`
	RPC     *jsonRPCEnvelope `json:"rpc,omitempty"`
}

type rawBytesEnvelope struct {
	Bytes string `json:"__bytes__"`
}

func (JSONCodec) Encode(p *Packet) ([]byte, error) {
	jp := jsonPacket{Source: p.Source, Channel: p.Channel}

	if raw, ok := p.Data.([]byte); ok {
		jp.Data = rawBytesEnvelope{Bytes: base64.StdEncoding.EncodeToString(raw)}
	} else {
		jp.Data = p.Data
	}

	if p.RPC != nil {
		switch {
		case p.RPC.Request != nil:
			req := p.RPC.Request
			jp.RPC = &jsonRPCEnvelope{Type: "request", CallID: req.CallID, Method: req.Method, Args: req.Args, Kwargs: req.Kwargs}
		case p.RPC.Response != nil:
			resp := p.RPC.Response
			jp.RPC = &jsonRPCEnvelope{Type: "response", CallID: resp.CallID, Response: &responseValue{v: resp.Response}, ErrorMessage: resp.ErrorMessage}
			if resp.Error != "" {
				e := resp.Error
				jp.RPC.Error = &e
			}
		}
	}

	out, err := json.Marshal(jp)
	if err != nil {
		return nil, fmt.Errorf("protocol: json encode: %w", err)
	}
	if len(out) > maxPayloadSize {
		return nil, fmt.Errorf("protocol: encoded packet size %d exceeds maximum %d bytes", len(out), maxPayloadSize)
	}
	return out, nil
}

func (JSONCodec) Decode(data []byte) (*Packet, error) {
	var jp jsonPacket
	if err := json.Unmarshal(data, &jp); err != nil {
		return nil, fmt.Errorf("protocol: json decode: %w", err)
	}

	p := &Packet{Source: jp.Source, Channel: jp.Channel}

	if m, ok := jp.Data.(map[string]any); ok {
		if encoded, ok := m["__bytes__"].(string); ok && len(m) == 1 {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("protocol: invalid __bytes__ payload: %w", err)
			}
			p.Data = raw
		} else {
			p.Data = jp.Data
		}
	} else {
		p.Data = jp.Data
	}

	if jp.RPC != nil {
		switch jp.RPC.Type {
		case "request":
			p.RPC = &RPCEnvelope{Request: &RPCRequest{
				CallID: jp.RPC.CallID,
				Method: jp.RPC.Method,
				Args:   jp.RPC.Args,
				Kwargs: jp.RPC.Kwargs,
			}}
		case "response":
			resp := &RPCResponse{CallID: jp.RPC.CallID, ErrorMessage: jp.RPC.ErrorMessage}
			if jp.RPC.Response != nil {
				resp.Response = jp.RPC.Response.v
			}
			if jp.RPC.Error != nil {
				resp.Error = *jp.RPC.Error
			}
			p.RPC = &RPCEnvelope{Response: resp}
		default:
			return nil, errors.New("protocol: unknown rpc envelope type")
		}
	}

	return p, nil
}

// ---- Binary codec --------------------------------------------------------
//
// A self-describing, length-prefixed, tagged (TLV) layout:
//
//	[1 byte version=1]
//	repeated: [1 byte tag][4 bytes bigEndian length][length bytes value]
//	terminated by tag 0x00 with a zero-length value.
//
// The "value" for every tag except tagRawData and tagChannel (which
// carries the channel name's raw bytes) is itself JSON-encoded (reusing encoding/json for the leaf values keeps the binary codec small
// while still being a distinct, version-tagged wire layout from the JSON
// codec at the envelope level). tagRawData carries []byte natively with
// no base64 inflation, which is the entire reason a binary fast path
// exists per spec.md §4.1.

const binaryVersion = 1

type tag byte

const (
	tagEnd        tag = 0x00
	tagSource     tag = 0x01
	tagChannel    tag = 0x02
	tagDataJSON   tag = 0x03
	tagRawData    tag = 0x04
	tagRPCRequest tag = 0x05
	tagRPCResp    tag = 0x06
)

// BinaryCodec is the opt-in binary fast path. It round-trips every value
// the JSON codec can carry.
type BinaryCodec struct{}

func (BinaryCodec) Encode(p *Packet) ([]byte, error) {
	buf := []byte{binaryVersion}

	buf = appendTLV(buf, tagSource, mustJSON(p.Source))
	if p.Channel != "" {
		buf = appendTLV(buf, tagChannel, []byte(p.Channel))
	}

	if raw, ok := p.Data.([]byte); ok {
		buf = appendTLV(buf, tagRawData, raw)
	} else if p.Data != nil {
		encoded, err := json.Marshal(p.Data)
		if err != nil {
			return nil, fmt.Errorf("protocol: binary encode data: %w", err)
		}
		buf = appendTLV(buf, tagDataJSON, encoded)
	}

	if p.RPC != nil {
		switch {
		case p.RPC.Request != nil:
			encoded, err := json.Marshal(p.RPC.Request)
			if err != nil {
				return nil, fmt.Errorf("protocol: binary encode rpc request: %w", err)
			}
			buf = appendTLV(buf, tagRPCRequest, encoded)
		case p.RPC.Response != nil:
			encoded, err := json.Marshal(p.RPC.Response)
			if err != nil {
				return nil, fmt.Errorf("protocol: binary encode rpc response: %w", err)
			}
			buf = appendTLV(buf, tagRPCResp, encoded)
		}
	}

	buf = append(buf, byte(tagEnd), 0, 0, 0, 0)

	if len(buf) > maxPayloadSize {
		return nil, fmt.Errorf("protocol: encoded packet size %d exceeds maximum %d bytes", len(buf), maxPayloadSize)
	}
	return buf, nil
}

func (BinaryCodec) Decode(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("protocol: binary packet too short")
	}
	if data[0] != binaryVersion {
		return nil, fmt.Errorf("protocol: unsupported binary version %d", data[0])
	}

	p := &Packet{}
	rest := data[1:]

	for {
		t, value, tail, err := readTLV(rest)
		if err != nil {
			return nil, err
		}
		if t == tagEnd {
			break
		}
		rest = tail

		switch t {
		case tagSource:
			if err := json.Unmarshal(value, &p.Source); err != nil {
				return nil, fmt.Errorf("protocol: binary decode source: %w", err)
			}
		case tagChannel:
			p.Channel = string(value)
		case tagDataJSON:
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, fmt.Errorf("protocol: binary decode data: %w", err)
			}
			p.Data = v
		case tagRawData:
			raw := make([]byte, len(value))
			copy(raw, value)
			p.Data = raw
		case tagRPCRequest:
			var req RPCRequest
			if err := json.Unmarshal(value, &req); err != nil {
				return nil, fmt.Errorf("protocol: binary decode rpc request: %w", err)
			}
			p.RPC = &RPCEnvelope{Request: &req}
		case tagRPCResp:
			var resp RPCResponse
			if err := json.Unmarshal(value, &resp); err != nil {
				return nil, fmt.Errorf("protocol: binary decode rpc response: %w", err)
			}
			p.RPC = &RPCEnvelope{Response: &resp}
		default:
			return nil, fmt.Errorf("protocol: unknown binary tag %d", t)
		}
	}

	return p, nil
}

func appendTLV(buf []byte, t tag, value []byte) []byte {
	buf = append(buf, byte(t))
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(value)))
	buf = append(buf, length[:]...)
	return append(buf, value...)
}

func readTLV(data []byte) (tag, []byte, []byte, error) {
	if len(data) < 5 {
		return tagEnd, nil, nil, errors.New("protocol: truncated TLV header")
	}
	t := tag(data[0])
	length := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)-5) < uint64(length) {
		return tagEnd, nil, nil, errors.New("protocol: truncated TLV value")
	}
	value := data[5 : 5+length]
	return t, value, data[5+length:], nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
