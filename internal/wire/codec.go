package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame so a malicious or broken peer
// cannot exhaust memory with a bogus length prefix.
const maxFrameSize = 8 * 1024 * 1024

// lengthPrefixSize is the width of the frame's length prefix.
const lengthPrefixSize = 4

// Encode translates env into its CBOR representation. Encode is a
// total function: it never fails for a structurally valid envelope
// (spec §4.1).
func Encode(env Envelope) ([]byte, error) {
	m := make(map[string]any, 6+len(env.Unknown))
	m["schema_version"] = env.SchemaVersion
	m["message_id"] = env.MessageID
	m["trace_id"] = env.TraceID
	m["kind"] = string(env.Kind)
	if len(env.Payload) > 0 {
		m["payload"] = env.Payload
	}
	if len(env.Signature) > 0 {
		m["signature"] = env.Signature
	}
	for k, v := range env.Unknown {
		if _, exists := m[k]; exists {
			// Known fields always win; a forwarded envelope never lets
			// a stale unknown field shadow a field this build set.
			continue
		}
		m[k] = v
	}
	return marshal(m)
}

// Decode translates CBOR-encoded data into an Envelope, or fails with
// a *DecodeError carrying one of Truncated, MalformedField,
// UnknownVariant, UnsupportedVersion.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]rawMessage
	if err := unmarshal(data, &raw); err != nil {
		return Envelope{}, malformed("<root>", err)
	}

	env := Envelope{Unknown: make(map[string]rawMessage)}
	haveKind := false

	for key, value := range raw {
		switch key {
		case "schema_version":
			if err := unmarshal(value, &env.SchemaVersion); err != nil {
				return Envelope{}, malformed(key, err)
			}
		case "message_id":
			if err := unmarshal(value, &env.MessageID); err != nil {
				return Envelope{}, malformed(key, err)
			}
		case "trace_id":
			if err := unmarshal(value, &env.TraceID); err != nil {
				return Envelope{}, malformed(key, err)
			}
		case "kind":
			var k string
			if err := unmarshal(value, &k); err != nil {
				return Envelope{}, malformed(key, err)
			}
			env.Kind = Kind(k)
			haveKind = true
		case "payload":
			env.Payload = value
		case "signature":
			if err := unmarshal(value, &env.Signature); err != nil {
				return Envelope{}, malformed(key, err)
			}
		default:
			// Unrecognized field: preserved verbatim, never interpreted.
			env.Unknown[key] = value
		}
	}

	if env.SchemaVersion > MaxSupportedSchemaVersion {
		return Envelope{}, unsupportedVersion(env.SchemaVersion)
	}
	if env.MessageID == "" {
		return Envelope{}, malformed("message_id", errors.New("empty"))
	}
	if !haveKind {
		return Envelope{}, malformed("kind", errors.New("missing"))
	}
	switch env.Kind {
	case KindHandshakeRequest, KindHandshakeResponse, KindHeartbeat,
		KindCommandRequest, KindCommandResponse, KindEvent, KindError:
	default:
		return Envelope{}, unknownVariant(env.Kind)
	}

	return env, nil
}

// DecodePayload decodes env.Payload into dst, the concrete payload
// struct matching env.Kind (e.g. *HandshakeRequest).
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return malformed("payload", errors.New("empty"))
	}
	if err := unmarshal(env.Payload, dst); err != nil {
		return malformed("payload", err)
	}
	return nil
}

// EncodePayload marshals a concrete payload struct into raw CBOR
// suitable for Envelope.Payload.
func EncodePayload(v any) (rawMessage, error) {
	data, err := marshal(v)
	if err != nil {
		return nil, err
	}
	return rawMessage(data), nil
}

// ReadFrame reads one length-prefixed frame from r and returns its
// raw CBOR body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated("frame length prefix: " + err.Error())
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, &DecodeError{Reason: ReasonMalformedField, Detail: fmt.Sprintf("frame of %d bytes exceeds max %d", n, maxFrameSize)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, truncated("frame body: " + err.Error())
	}
	return body, nil
}

// WriteFrame writes body as one length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteEnvelope encodes env and writes it as one frame to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	body, err := Encode(env)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadEnvelope reads one frame from r and decodes it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Envelope{}, io.EOF
		}
		return Envelope{}, err
	}
	return Decode(body)
}
