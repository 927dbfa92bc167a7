package buildstore

import "testing"

func TestArtifactKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    string
		want   string
	}{
		{"no prefix", "", "demo/v1.tar.gz", "demo/v1.tar.gz"},
		{"with prefix", "releases/", "demo/v1.tar.gz", "releases/demo/v1.tar.gz"},
		{"nested prefix", "builds/prod/", "api/v3.tar.gz", "builds/prod/api/v3.tar.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{prefix: tt.prefix}
			got := s.artifactKey(tt.key)
			if got != tt.want {
				t.Errorf("artifactKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLastETagUnknownKey(t *testing.T) {
	s := &Store{lastETagByKey: make(map[string]string)}
	if _, ok := s.LastETag("missing"); ok {
		t.Error("expected no cached etag for a key never fetched")
	}
}

func TestLastETagAfterManualSet(t *testing.T) {
	s := &Store{lastETagByKey: map[string]string{"demo/v1.tar.gz": `"abc123"`}}
	etag, ok := s.LastETag("demo/v1.tar.gz")
	if !ok {
		t.Fatal("expected cached etag to be present")
	}
	if etag != `"abc123"` {
		t.Errorf("expected etag %q, got %q", `"abc123"`, etag)
	}
}
