package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nurunuru-server/internal/types"
)

func signedTestEvent(t *testing.T, content string) types.Event {
	t.Helper()
	privKeyBytes, _ := hex.DecodeString("edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85")
	privateKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	pubKeyHex := hex.EncodeToString(privateKey.PubKey().SerializeCompressed()[1:])

	evt := types.Event{
		PubKey:    pubKeyHex,
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}},
		Content:   content,
	}
	evt.ID = ComputeEventID(evt)

	idBytes, _ := hex.DecodeString(evt.ID)
	sig, err := schnorr.Sign(privateKey, idBytes)
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	evt := signedTestEvent(t, `<b>html & "quotes"</b>`)

	if r := ValidateEvent(evt, ValidateOptions{VerifySignature: true}); r != ReasonNone {
		t.Fatalf("expected signed event to verify, got %q", r)
	}

	tampered := evt
	tampered.Content = "something else"
	if r := ValidateEvent(tampered, ValidateOptions{VerifySignature: true}); r != ReasonIDMismatch {
		t.Errorf("expected id mismatch for tampered content, got %q", r)
	}

	forged := evt
	forged.Sig = evt.Sig[:126] + "00"
	if forged.Sig == evt.Sig {
		forged.Sig = evt.Sig[:126] + "11"
	}
	if r := ValidateEvent(forged, ValidateOptions{VerifySignature: true}); r != ReasonSignature {
		t.Errorf("expected signature failure, got %q", r)
	}
}

func TestComputeEventIDDoesNotEscapeHTML(t *testing.T) {
	evt := types.Event{PubKey: testPubKey, CreatedAt: 1, Kind: 1, Content: "a<b&c"}

	canonical := `[0,"` + testPubKey + `",1,1,[],"a<b&c"]`
	sum := sha256.Sum256([]byte(canonical))
	if got, want := ComputeEventID(evt), hex.EncodeToString(sum[:]); got != want {
		t.Errorf("ComputeEventID() = %s, want %s", got, want)
	}
}

func TestUnwrapRepost(t *testing.T) {
	inner := signedTestEvent(t, "original")
	payload, _ := json.Marshal(inner)

	repost := types.Event{ID: testID, PubKey: testPubKey, Kind: types.KindRepost, Tags: [][]string{}, Content: string(payload)}
	got, ok := UnwrapRepost(repost)
	if !ok {
		t.Fatal("expected repost to unwrap")
	}
	if got.ID != inner.ID {
		t.Errorf("unwrapped id = %s, want %s", got.ID, inner.ID)
	}

	repost.Content = `{"id":"nope"}`
	if _, ok := UnwrapRepost(repost); ok {
		t.Error("expected invalid embedded event to be dropped")
	}

	note := repost
	note.Kind = types.KindTextNote
	note.Content = string(payload)
	if _, ok := UnwrapRepost(note); ok {
		t.Error("expected non-repost kind to be rejected")
	}
}

func TestToFilterEventMatches(t *testing.T) {
	evt := signedTestEvent(t, "x")
	fe := ToFilterEvent(evt)
	if fe.ID != evt.ID || int64(fe.CreatedAt) != evt.CreatedAt || len(fe.Tags) != 2 {
		t.Errorf("conversion mismatch: %+v", fe)
	}
}

func TestLatestProfiles(t *testing.T) {
	pk := strings.Repeat("a", 64)
	events := []types.Event{
		{PubKey: pk, Kind: 0, CreatedAt: 10, Content: `{"name":"old"}`},
		{PubKey: pk, Kind: 0, CreatedAt: 20, Content: `{"name":"new","nip05":"a@b.c","geohash":7}`},
		{PubKey: pk, Kind: 0, CreatedAt: 30, Content: `not json`},
		{PubKey: pk, Kind: 1, CreatedAt: 40, Content: `{"name":"note"}`},
	}
	got := LatestProfiles(events)[pk]
	if got == nil || got.Name != "new" || got.Nip05 != "a@b.c" || got.Geohash != "" {
		t.Errorf("LatestProfiles() = %+v", got)
	}
}

func TestTagHelpers(t *testing.T) {
	pk := strings.Repeat("b", 64)
	evt := types.Event{Tags: [][]string{
		{"e", "first"},
		{"p", pk},
		{"p", strings.ToUpper(pk)},
		{"p", "short"},
		{"t", "Nostr"},
		{"e", "last"},
		{"e"},
	}}
	if v, _ := LastTagValue(evt, "e"); v != "last" {
		t.Errorf("LastTagValue() = %q", v)
	}
	if v, _ := FirstTagValue(evt, "e"); v != "first" {
		t.Errorf("FirstTagValue() = %q", v)
	}
	if got := PubkeyTags(evt); len(got) != 1 || got[0] != pk {
		t.Errorf("PubkeyTags() = %v", got)
	}
	if got := Hashtags(evt); len(got) != 1 || got[0] != "nostr" {
		t.Errorf("Hashtags() = %v", got)
	}
}
