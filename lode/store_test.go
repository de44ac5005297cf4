package lode

import (
	"testing"
)

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		path, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/afar", "bucket", "afar"},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.path)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.path, b, p)
		}
	}
}

func TestNewFactory(t *testing.T) {
	tests := []struct {
		name    string
		cfg     StoreConfig
		wantErr bool
	}{
		{"default memory", StoreConfig{}, false},
		{"fs", StoreConfig{Backend: BackendFS, Path: t.TempDir()}, false},
		{"fs without path", StoreConfig{Backend: BackendFS}, true},
		{"s3 without bucket", StoreConfig{Backend: BackendS3}, true},
		{"unknown", StoreConfig{Backend: "tape"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFactory(t.Context(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFactory err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && f == nil {
				t.Fatal("nil factory")
			}
		})
	}
}

func TestNewFactory_MemoryIsShared(t *testing.T) {
	f, err := NewFactory(t.Context(), StoreConfig{Backend: BackendMemory})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	a, _ := f()
	b, _ := f()
	if a != b {
		t.Error("memory factory returned distinct stores")
	}
}

func TestFSFactory_BlobRoundTrip(t *testing.T) {
	f, err := NewFactory(t.Context(), StoreConfig{Backend: BackendFS, Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	blobs := NewBlobStore(f, "")
	if err := blobs.Put(t.Context(), "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := blobs.Get(t.Context(), "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
}
