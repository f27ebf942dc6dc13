package ranking

import (
	"strings"

	"nurunuru-server/internal/nostr"
	"nurunuru-server/internal/types"
)

// Muted reports whether mutes hide evt: muted author or id, a muted hashtag,
// or a muted word anywhere in the content (case-insensitive)
func Muted(evt types.Event, mutes types.MuteSet) bool {
	if mutes.Empty() {
		return false
	}
	if mutes.Pubkeys[evt.PubKey] || mutes.EventIDs[evt.ID] {
		return true
	}
	if len(mutes.Hashtags) > 0 {
		for _, tag := range nostr.Hashtags(evt) {
			if mutes.Hashtags[tag] {
				return true
			}
		}
	}
	if len(mutes.Words) > 0 {
		content := strings.ToLower(evt.Content)
		for _, w := range mutes.Words {
			if w != "" && strings.Contains(content, w) {
				return true
			}
		}
	}
	return false
}

// ParseMuteList builds a MuteSet from a kind-10000 list: "p", "e", "t" and
// "word" tags. Extra pubkeys (e.g. from the engine's mute lookup) are merged in.
func ParseMuteList(list *types.Event, extraPubkeys []string) types.MuteSet {
	m := types.NewMuteSet()
	for _, pk := range extraPubkeys {
		m.Pubkeys[pk] = true
	}
	if list == nil {
		return m
	}
	for _, tag := range list.Tags {
		if len(tag) < 2 || tag[1] == "" {
			continue
		}
		switch tag[0] {
		case "p":
			m.Pubkeys[tag[1]] = true
		case "e":
			m.EventIDs[tag[1]] = true
		case "t":
			m.Hashtags[strings.ToLower(tag[1])] = true
		case "word":
			m.Words = append(m.Words, strings.ToLower(tag[1]))
		}
	}
	return m
}
