package nostr

import (
	"encoding/json"

	"nurunuru-server/internal/types"
)

// ParseProfile reads kind 0 metadata. Fields of the wrong type are ignored.
func ParseProfile(evt types.Event) (*types.ProfileInfo, bool) {
	if evt.Kind != types.KindMetadata {
		return nil, false
	}
	var profileData map[string]interface{}
	if err := json.Unmarshal([]byte(evt.Content), &profileData); err != nil {
		return nil, false
	}

	str := func(key string) string {
		s, _ := profileData[key].(string)
		return s
	}
	profile := &types.ProfileInfo{
		Name:        str("name"),
		DisplayName: str("display_name"),
		Picture:     str("picture"),
		Nip05:       str("nip05"),
		About:       str("about"),
		Banner:      str("banner"),
		Lud16:       str("lud16"),
		Website:     str("website"),
		Geohash:     str("geohash"),
	}
	return profile, true
}

// LatestProfiles keeps the newest parseable kind 0 per author
func LatestProfiles(events []types.Event) map[string]*types.ProfileInfo {
	newest := make(map[string]int64)
	out := make(map[string]*types.ProfileInfo)
	for _, evt := range events {
		if at, ok := newest[evt.PubKey]; ok && at >= evt.CreatedAt {
			continue
		}
		if p, ok := ParseProfile(evt); ok {
			out[evt.PubKey] = p
			newest[evt.PubKey] = evt.CreatedAt
		}
	}
	return out
}
