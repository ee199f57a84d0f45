package vectorloader

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/meshcompute/host-node/pkg/aead"
	"github.com/meshcompute/host-node/pkg/storage"
)

func sealJSON(t *testing.T, key [aead.KeySize]byte, v interface{}) []byte {
	t.Helper()
	plaintext, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := aead.Seal(key, plaintext, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func setupManifest(t *testing.T, store *storage.Mock, key [aead.KeySize]byte, owner string, deleted bool) Manifest {
	t.Helper()
	chunkVectors := []ChunkVector{
		{ID: "v1", Vector: make([]float32, 384), Metadata: json.RawMessage(`{}`)},
		{ID: "v2", Vector: make([]float32, 384), Metadata: json.RawMessage(`{}`)},
	}
	chunkPath := storage.VectorChunkPath(owner, "db1", 0)
	store.Put(context.Background(), chunkPath, sealJSON(t, key, ChunkPayload{Vectors: chunkVectors}))

	manifest := Manifest{
		Name:        "db1",
		Owner:       owner,
		Dimensions:  384,
		VectorCount: 2,
		Chunks:      []Chunk{{ID: 0, VectorCount: 2, Path: chunkPath}},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Deleted:     deleted,
	}
	manifestPath := storage.VectorManifestPath(owner, "db1")
	store.Put(context.Background(), manifestPath, sealJSON(t, key, manifest))
	return manifest
}

func TestLoad_HappyPath(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", false)

	loader := New(store, Config{})
	result, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOwner", key, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(result.Vectors))
	}
}

func TestLoad_OwnerMismatchCaseInsensitive(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", false)

	loader := New(store, Config{})
	// Differing case should still succeed (spec: "case-insensitive for
	// backward compatibility").
	_, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOWNER", key, nil)
	if err != nil {
		t.Fatalf("expected case-insensitive owner match to succeed, got %v", err)
	}

	_, err = loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xSomeoneElse", key, nil)
	if err == nil {
		t.Fatal("expected owner mismatch error")
	}
}

func TestLoad_RejectsDeletedManifest(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", true)

	loader := New(store, Config{})
	_, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOwner", key, nil)
	if err == nil {
		t.Fatal("expected deleted-manifest rejection")
	}
}

func TestLoad_MemoryPreCheck(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", false)

	loader := New(store, Config{MemoryLimit: 1}) // impossibly small
	_, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOwner", key, nil)
	if err == nil {
		t.Fatal("expected memory limit rejection")
	}
}

func TestLoad_WrongKeyFailsDecryption(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", false)

	wrongKey, _ := aead.GenerateKey()
	loader := New(store, Config{})
	_, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOwner", wrongKey, nil)
	if err == nil {
		t.Fatal("expected decryption failure with wrong key")
	}
}

func TestLoad_EmitsProgressEvents(t *testing.T) {
	store := storage.NewMock(0)
	key, _ := aead.GenerateKey()
	setupManifest(t, store, key, "0xOwner", false)

	loader := New(store, Config{})
	progress := make(chan ProgressEvent, 16)
	_, err := loader.Load(context.Background(), storage.VectorManifestPath("0xOwner", "db1"), "0xOwner", key, progress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(progress)

	var kinds []ProgressEventKind
	for ev := range progress {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 3 {
		t.Fatalf("expected at least 3 progress events, got %d: %v", len(kinds), kinds)
	}
	if kinds[0] != EventManifestDownloaded {
		t.Errorf("expected first event to be ManifestDownloaded, got %v", kinds[0])
	}
	if kinds[len(kinds)-1] != EventComplete {
		t.Errorf("expected last event to be Complete, got %v", kinds[len(kinds)-1])
	}
}
