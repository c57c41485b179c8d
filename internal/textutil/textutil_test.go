package textutil_test

import (
	"testing"

	"moviequeue/internal/textutil"
)

func TestOutputStem(t *testing.T) {
	tests := map[string]string{
		"/in/My Movie (2001) [HD].avi": "My_Movie_2001_HD",
		"/in/plain.mkv":                "plain",
		"relative name.mp4":            "relative_name",
		"/in/(  ).avi":                 "unknown",
		"/in/a:b.avi":                  "a-b",
	}
	for input, want := range tests {
		if got := textutil.OutputStem(input); got != want {
			t.Fatalf("OutputStem(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseFileStem(t *testing.T) {
	ep, ok := textutil.ParseFileStem("the_wire_s02_ep05")
	if !ok {
		t.Fatal("expected episode stem to parse")
	}
	if ep.Show != "the_wire" || ep.Season != 2 || ep.Episode != 5 {
		t.Fatalf("unexpected parse result %+v", ep)
	}

	for _, stem := range []string{"movie", "a_b", "show_s1_e2", "show_sx_ep2", "show_s01_epx"} {
		ep, ok := textutil.ParseFileStem(stem)
		if ok {
			t.Fatalf("expected %q not to parse, got %+v", stem, ep)
		}
		if ep.Show != stem {
			t.Fatalf("expected show to fall back to stem %q, got %q", stem, ep.Show)
		}
	}
}

func TestDisplayTitle(t *testing.T) {
	if got := textutil.DisplayTitle("the_wire"); got != "The Wire" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := textutil.DisplayTitle(""); got != "" {
		t.Fatalf("expected empty title, got %q", got)
	}
}

func TestSanitizeFileName(t *testing.T) {
	if got := textutil.SanitizeFileName(` a/b:c?"d" `); got != "a-b-cd" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
}
