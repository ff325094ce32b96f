package redisstorage

import "testing"

func TestIsValidStreamID(t *testing.T) {
	cases := map[string]bool{
		"5-0":        true,
		"1691234567-3": true,
		"":           false,
		"5":          false,
		"5-":         false,
		"-0":         false,
		"abc-0":      false,
		"5-abc":      false,
	}
	for id, want := range cases {
		if got := isValidStreamID(id); got != want {
			t.Errorf("isValidStreamID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestStreamKeyAndSeqKey(t *testing.T) {
	if got, want := streamKey("room-1"), "sse:stream:room-1"; got != want {
		t.Fatalf("streamKey: got %q want %q", got, want)
	}
	if got, want := seqKey("room-1"), "sse:seq:room-1"; got != want {
		t.Fatalf("seqKey: got %q want %q", got, want)
	}
}
