// Package wire implements the core's binary message codec (C1):
// unambiguous, bidirectional translation between a byte stream and
// typed Envelope values.
//
// The wire format is a length-prefixed binary frame: a 4-byte
// big-endian length prefix followed by exactly one CBOR-encoded
// envelope. CBOR's map encoding gives each field a name and an
// explicit type, so a decoder that does not recognize a field can
// skip it and forward it unchanged.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical envelope always produces identical bytes.
package wire
