package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	gonostr "github.com/nbd-wtf/go-nostr"

	"nurunuru-server/internal/types"
)

// ComputeEventID returns the NIP-01 id: sha256 of [0,pubkey,created_at,kind,tags,content].
// HTML escaping is disabled because relays hash the unescaped form.
func ComputeEventID(evt types.Event) string {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	serialized := []interface{}{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(serialized); err != nil {
		return ""
	}
	hash := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(hash[:])
}

// ValidateEventSignature verifies Schnorr signature for a Nostr event
func ValidateEventSignature(evt types.Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// UnwrapRepost parses the embedded original event of a kind 6 repost.
// Reposts with empty or invalid content are rejected.
func UnwrapRepost(repost types.Event) (types.Event, bool) {
	if repost.Kind != types.KindRepost || repost.Content == "" {
		return types.Event{}, false
	}
	inner, reason := Validate([]byte(repost.Content), ValidateOptions{})
	if reason != ReasonNone {
		slog.Debug("dropping repost with invalid embedded event", "repost", ShortID(repost.ID), "reason", reason)
		return types.Event{}, false
	}
	return inner, true
}

// ToFilterEvent converts an event into the go-nostr representation used for filter matching
func ToFilterEvent(evt types.Event) *gonostr.Event {
	tags := make(gonostr.Tags, 0, len(evt.Tags))
	for _, t := range evt.Tags {
		tags = append(tags, gonostr.Tag(t))
	}
	return &gonostr.Event{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: gonostr.Timestamp(evt.CreatedAt),
		Kind:      evt.Kind,
		Tags:      tags,
		Content:   evt.Content,
		Sig:       evt.Sig,
	}
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
