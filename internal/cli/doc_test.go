package cli

import "testing"

func TestParseMeta(t *testing.T) {
	meta, err := parseMeta([]string{"source=faq.txt", " lang = en ", "note=a=b"})
	if err != nil {
		t.Fatalf("parseMeta: %v", err)
	}
	want := map[string]string{"source": "faq.txt", "lang": "en", "note": "a=b"}
	if len(meta) != len(want) {
		t.Fatalf("got %v, want %v", meta, want)
	}
	for k, v := range want {
		if meta[k] != v {
			t.Errorf("meta[%q] = %q, want %q", k, meta[k], v)
		}
	}

	if meta, err := parseMeta(nil); err != nil || meta != nil {
		t.Errorf("empty input: got %v, %v", meta, err)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseMeta([]string{bad}); err == nil {
			t.Errorf("parseMeta(%q) should fail", bad)
		}
	}
}
