package pathutil

import (
	"path"
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"users/u1/trial", false},
		{"users/./trial", true},
		{"users/../trial", true},
		{".", true},
		{"..", true},
		{"users/...", false}, // three dots is not a dot segment
		{"users/.hidden", false},
		{"users/u1/.", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasDotSegments(tt.path); got != tt.want {
				t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"users/u1/purchases/ancient_rome", true},
		{"users/u%2F1/trial", true},
		{"users/a.b/subscription", true},
		{"", false},
		{"/users/u1/trial", false},
		{"users/u1/", false},
		{"users//trial", false},
		{"users/../purchases/x", false},
		{"users/u1\n/trial", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := ValidKey(tt.key); got != tt.want {
				t.Errorf("ValidKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func FuzzValidKey(f *testing.F) {
	f.Add("users/u1/trial")
	f.Add("users/../trial")
	f.Add("./users")
	f.Add("users//x")
	f.Add("...")

	f.Fuzz(func(t *testing.T, key string) {
		if !ValidKey(key) {
			return
		}
		// a valid key is already clean and stays under any prefix
		if path.Clean(key) != key {
			t.Errorf("ValidKey(%q) but Clean = %q", key, path.Clean(key))
		}
		if joined := path.Join("prefix", key); !strings.HasPrefix(joined, "prefix/") {
			t.Errorf("ValidKey(%q) but Join escapes prefix: %q", key, joined)
		}
	})
}
