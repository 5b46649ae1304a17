package wire

import "fmt"

// Reason enumerates the ways a frame or envelope can fail to decode,
// per spec §4.1.
type Reason string

const (
	ReasonTruncated         Reason = "Truncated"
	ReasonMalformedField    Reason = "MalformedField"
	ReasonUnknownVariant    Reason = "UnknownVariant"
	ReasonUnsupportedVersion Reason = "UnsupportedVersion"
)

// DecodeError reports why decode(bytes) failed.
type DecodeError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "wire: " + string(e.Reason)
	}
	return fmt.Sprintf("wire: %s: %s", e.Reason, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncated(detail string) *DecodeError {
	return &DecodeError{Reason: ReasonTruncated, Detail: detail}
}

func malformed(field string, err error) *DecodeError {
	return &DecodeError{Reason: ReasonMalformedField, Detail: "field " + field, Err: err}
}

func unknownVariant(kind Kind) *DecodeError {
	return &DecodeError{Reason: ReasonUnknownVariant, Detail: string(kind)}
}

func unsupportedVersion(got uint16) *DecodeError {
	return &DecodeError{Reason: ReasonUnsupportedVersion, Detail: fmt.Sprintf("version %d exceeds max %d", got, MaxSupportedSchemaVersion)}
}
