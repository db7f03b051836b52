package executor

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestLimitedBuffer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		maxBytes  int
		maxLines  int
		writes    []string
		want      string
		truncated bool
	}{
		{
			name:     "under limits",
			maxBytes: 100, maxLines: 10,
			writes: []string{"a\n", "b\n"},
			want:   "a\nb\n",
		},
		{
			name:     "line ceiling",
			maxBytes: 100, maxLines: 2,
			writes:    []string{"a\nb\nc\n", "d\n"},
			want:      "a\nb\n" + truncatedMarker + "\n",
			truncated: true,
		},
		{
			name:     "byte ceiling mid line",
			maxBytes: 4, maxLines: 10,
			writes:    []string{"abcdef\n"},
			want:      "abcd\n" + truncatedMarker + "\n",
			truncated: true,
		},
		{
			name:     "no limits",
			maxBytes: 0, maxLines: 0,
			writes: []string{strings.Repeat("x\n", 50)},
			want:   strings.Repeat("x\n", 50),
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := newLimitedBuffer(tc.maxBytes, tc.maxLines)
			for _, w := range tc.writes {
				b.WriteString(w)
			}
			if got := b.String(); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
			if b.Truncated() != tc.truncated {
				t.Fatalf("truncated = %v", b.Truncated())
			}
		})
	}
}

func TestLimitedBufferMarkerOnce(t *testing.T) {
	t.Parallel()

	b := newLimitedBuffer(3, 0)
	for i := 0; i < 5; i++ {
		b.WriteString("abcdef")
	}
	if n := strings.Count(b.String(), truncatedMarker); n != 1 {
		t.Fatalf("marker appears %d times in %q", n, b.String())
	}
}

func TestLimitedBufferKeepsRunes(t *testing.T) {
	t.Parallel()

	b := newLimitedBuffer(5, 0)
	b.WriteString("ééé")
	out := strings.TrimSuffix(b.String(), truncatedMarker+"\n")
	if !utf8.ValidString(out) {
		t.Fatalf("cut inside a rune: %q", out)
	}
	if out != "éé\n" {
		t.Fatalf("got %q", out)
	}
}
