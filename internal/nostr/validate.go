package nostr

import (
	"bytes"
	"encoding/json"

	"nurunuru-server/internal/types"
)

// Reason explains why a candidate event was rejected.
// ReasonNone means the event is valid.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonMalformed  Reason = "malformed"
	ReasonID         Reason = "invalid id"
	ReasonPubKey     Reason = "invalid pubkey"
	ReasonCreatedAt  Reason = "invalid created_at"
	ReasonKind       Reason = "invalid kind"
	ReasonTags       Reason = "invalid tags"
	ReasonContent    Reason = "invalid content"
	ReasonSig        Reason = "invalid sig"
	ReasonIDMismatch Reason = "id does not match content"
	ReasonSignature  Reason = "signature verification failed"
)

// Error lets a Reason travel as an error value
func (r Reason) Error() string {
	return string(r)
}

// ValidateOptions tunes how strict validation is
type ValidateOptions struct {
	// RequireSig checks sig is 128 lowercase hex chars (publish paths)
	RequireSig bool
	// VerifySignature recomputes the id and checks the schnorr signature
	VerifySignature bool
}

// Validate decodes and validates a raw JSON candidate event.
// It never panics; on failure it returns a zero Event and the first failing Reason.
func Validate(raw []byte, opts ValidateOptions) (types.Event, Reason) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return types.Event{}, ReasonMalformed
	}

	var evt types.Event
	if !decodeString(fields["id"], &evt.ID) {
		return types.Event{}, ReasonID
	}
	if !decodeString(fields["pubkey"], &evt.PubKey) {
		return types.Event{}, ReasonPubKey
	}
	if !decodeInt(fields["created_at"], &evt.CreatedAt) {
		return types.Event{}, ReasonCreatedAt
	}
	var kind int64
	if !decodeInt(fields["kind"], &kind) {
		return types.Event{}, ReasonKind
	}
	evt.Kind = int(kind)
	if !decodeTags(fields["tags"], &evt.Tags) {
		return types.Event{}, ReasonTags
	}
	if !decodeString(fields["content"], &evt.Content) {
		return types.Event{}, ReasonContent
	}
	if !decodeString(fields["sig"], &evt.Sig) {
		return types.Event{}, ReasonSig
	}

	if r := ValidateEvent(evt, opts); r != ReasonNone {
		return types.Event{}, r
	}
	return evt, ReasonNone
}

// ValidateEvent applies the structural rules to an already decoded event
func ValidateEvent(evt types.Event, opts ValidateOptions) Reason {
	if !IsHex64(evt.ID) {
		return ReasonID
	}
	if !IsHex64(evt.PubKey) {
		return ReasonPubKey
	}
	if evt.Tags == nil {
		return ReasonTags
	}
	if opts.RequireSig || opts.VerifySignature {
		if !isLowerHex(evt.Sig, 128) {
			return ReasonSig
		}
	}
	if opts.VerifySignature {
		if ComputeEventID(evt) != evt.ID {
			return ReasonIDMismatch
		}
		if !ValidateEventSignature(evt) {
			return ReasonSignature
		}
	}
	return ReasonNone
}

// IsHex64 reports whether s is exactly 64 lowercase hex characters
func IsHex64(s string) bool {
	return isLowerHex(s, 64)
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func decodeString(raw json.RawMessage, dst *string) bool {
	if len(raw) == 0 || raw[0] != '"' {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// decodeInt accepts only integral JSON numbers; 1.5 and "1" are rejected
func decodeInt(raw json.RawMessage, dst *int64) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.ContainsAny(raw, ".eE\"") {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func decodeTags(raw json.RawMessage, dst *[][]string) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return false
	}
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return false
	}
	tags := make([][]string, 0, len(outer))
	for _, t := range outer {
		t = bytes.TrimSpace(t)
		if len(t) == 0 || t[0] != '[' {
			return false
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(t, &elems); err != nil {
			return false
		}
		tag := make([]string, 0, len(elems))
		for _, e := range elems {
			var s string
			if !decodeString(bytes.TrimSpace(e), &s) {
				return false
			}
			tag = append(tag, s)
		}
		tags = append(tags, tag)
	}
	*dst = tags
	return true
}
