package cache

import "testing"

func TestKey(t *testing.T) {
	tests := []struct {
		path string
		page int
		want string
	}{
		{"/v1/contracts/public/10000002/", 1, "esi:v1/contracts/public/10000002:page=1"},
		{"v1/contracts/public/10000002", 1, "esi:v1/contracts/public/10000002:page=1"},
		{"/widgets/42/", 7, "esi:widgets/42:page=7"},
		{"/", 1, "esi:page=1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Key(tt.path, tt.page); got != tt.want {
				t.Errorf("Key(%q, %d) = %q, want %q", tt.path, tt.page, got, tt.want)
			}
		})
	}
}

func TestKey_PagesAreDistinct(t *testing.T) {
	if Key("/a/", 1) == Key("/a/", 2) {
		t.Error("Different pages must not share a cache key")
	}
}

func TestEntry_IsExpiredAndHasBody(t *testing.T) {
	var nilEntry *Entry
	if nilEntry.HasBody() {
		t.Error("nil entry has no body")
	}

	e := &Entry{Data: []byte("[]")}
	if !e.HasBody() {
		t.Error("entry with data should have body")
	}
	if e.IsExpired(e.CachedAt) {
		t.Error("zero Expires never expires")
	}
}
