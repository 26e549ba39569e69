package cursor

import (
	"encoding/base64"
	"testing"
)

func TestRoundTripPreservesSeqAndDirection(t *testing.T) {
	for _, original := range []Cursor{
		NewForwardCursor(1),
		NewBackwardCursor(42),
		NewForwardCursor(0),
	} {
		token, err := Encode(original)
		if err != nil {
			t.Fatalf("encode %+v: %v", original, err)
		}
		decoded, err := Decode(token)
		if err != nil {
			t.Fatalf("decode %q: %v", token, err)
		}
		if decoded != original {
			t.Fatalf("round trip changed cursor: %+v != %+v", decoded, original)
		}
	}
}

func TestTokensAreOpaque(t *testing.T) {
	token, err := Encode(NewBackwardCursor(7))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := base64.URLEncoding.DecodeString(token); err != nil {
		t.Fatalf("token is not url-safe base64: %v", err)
	}
}

func TestDecodeRejectsBadTokens(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "not base64!!!"},
		{"not json", base64.URLEncoding.EncodeToString([]byte("not json"))},
		{"bad direction", base64.URLEncoding.EncodeToString([]byte(`{"seq":7,"dir":"sideways"}`))},
		{"blank direction", base64.URLEncoding.EncodeToString([]byte(`{"seq":7}`))},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.token); err == nil {
			t.Errorf("%s: expected decode error for %q", tc.name, tc.token)
		}
	}
}
