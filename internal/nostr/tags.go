package nostr

import (
	"strings"

	"nurunuru-server/internal/types"
)

// TagValues returns the first value of every tag named name, in tag order
// without duplicates or empty values
func TagValues(evt types.Event, name string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != name || tag[1] == "" || seen[tag[1]] {
			continue
		}
		seen[tag[1]] = true
		out = append(out, tag[1])
	}
	return out
}

// PubkeyTags returns the well-formed pubkeys of the event's "p" tags
func PubkeyTags(evt types.Event) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, pk := range TagValues(evt, "p") {
		pk = strings.ToLower(pk)
		if IsHex64(pk) && !seen[pk] {
			seen[pk] = true
			out = append(out, pk)
		}
	}
	return out
}

// LastTagValue returns the value of the last tag named name.
// Reactions and reposts reference their target with the last "e" tag.
func LastTagValue(evt types.Event, name string) (string, bool) {
	for i := len(evt.Tags) - 1; i >= 0; i-- {
		tag := evt.Tags[i]
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// FirstTagValue returns the value of the first tag named name
func FirstTagValue(evt types.Event, name string) (string, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1], true
		}
	}
	return "", false
}

// Hashtags returns the lowercased "t" tag values
func Hashtags(evt types.Event) []string {
	values := TagValues(evt, "t")
	for i, v := range values {
		values[i] = strings.ToLower(v)
	}
	return values
}
