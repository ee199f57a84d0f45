// Package storage provides a content-addressed blob store with
// interchangeable backends (in-memory mock, HTTP portal), used for
// checkpoint deltas/indices, result artifacts, and vector database
// manifests/chunks. Path layout and validation rules are grounded on
// original_source/src/storage/s5_client.rs's validate_path.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Errors returned by Store implementations.
var (
	ErrInvalidPath = fmt.Errorf("storage: invalid path")
	ErrNotFound    = fmt.Errorf("storage: not found")
)

// Store is the content-addressed blob interface every component
// depends on. Implementations: Mock (in-memory, tests) and Portal
// (HTTP-backed).
type Store interface {
	Put(ctx context.Context, path string, data []byte) (cid string, err error)
	Get(ctx context.Context, path string) ([]byte, error)
	GetByCID(ctx context.Context, cid string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// ValidatePath enforces the canonical path rules: non-empty,
// no leading slash, no traversal, rooted under home/ or archive/.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path cannot start with /", ErrInvalidPath)
	}
	if strings.Contains(path, "../") {
		return fmt.Errorf("%w: path traversal not allowed", ErrInvalidPath)
	}
	if !strings.HasPrefix(path, "home/") && !strings.HasPrefix(path, "archive/") {
		return fmt.Errorf("%w: path must start with home/ or archive/", ErrInvalidPath)
	}
	return nil
}

// CID computes the content identifier for a blob.
func CID(data []byte) string {
	sum := sha256.Sum256(data)
	return "cid://" + hex.EncodeToString(sum[:16])
}

// Canonical path builders.
func CheckpointIndexPath(host, sessionID string) string {
	return fmt.Sprintf("home/checkpoints/%s/%s/index.json", strings.ToLower(host), sessionID)
}

func CheckpointDeltaPath(host, sessionID string, index int) string {
	return fmt.Sprintf("home/checkpoints/%s/%s/delta_%d.json", strings.ToLower(host), sessionID, index)
}

func VectorManifestPath(owner, name string) string {
	return fmt.Sprintf("home/vector-databases/%s/%s/manifest.json", owner, name)
}

func VectorChunkPath(owner, name string, chunkID int) string {
	return fmt.Sprintf("home/vector-databases/%s/%s/chunk-%d.json", owner, name, chunkID)
}

// OutputPath, MetadataPath, ProofPath locate the three blobs the
// Result Submitter writes for one completed session.
func OutputPath(host, sessionID string) string {
	return fmt.Sprintf("home/results/%s/%s/output.bin", strings.ToLower(host), sessionID)
}

func MetadataPath(host, sessionID string) string {
	return fmt.Sprintf("home/results/%s/%s/metadata.json", strings.ToLower(host), sessionID)
}

func ProofPath(host, sessionID string) string {
	return fmt.Sprintf("home/results/%s/%s/proof.bin", strings.ToLower(host), sessionID)
}

// mockEntry is one object held by the in-memory backend.
type mockEntry struct {
	data      []byte
	createdAt time.Time
}

// Mock is an in-memory Store used by tests and by hosts running
// without a configured storage portal.
type Mock struct {
	mu       sync.Mutex
	byPath   map[string]*mockEntry
	byCID    map[string]string // cid -> path
	quotaMax int64
	used     int64
}

// NewMock constructs an empty Mock store. quotaMax of 0 means
// unbounded.
func NewMock(quotaMax int64) *Mock {
	return &Mock{
		byPath:   make(map[string]*mockEntry),
		byCID:    make(map[string]string),
		quotaMax: quotaMax,
	}
}

func (m *Mock) Put(ctx context.Context, path string, data []byte) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotaMax > 0 && m.used+int64(len(data)) > m.quotaMax {
		return "", fmt.Errorf("storage: quota exceeded")
	}
	cid := CID(data)
	m.byPath[path] = &mockEntry{data: append([]byte{}, data...), createdAt: time.Now()}
	m.byCID[cid] = path
	m.used += int64(len(data))
	return cid, nil
}

func (m *Mock) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byPath[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, entry.data...), nil
}

func (m *Mock) GetByCID(ctx context.Context, cid string) ([]byte, error) {
	m.mu.Lock()
	path, ok := m.byCID[cid]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, path)
}

func (m *Mock) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPath, path) // idempotent: missing objects tolerated
	return nil
}

func (m *Mock) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPath[path]
	return ok, nil
}

// Portal is an HTTP-backed Store talking to a content-addressed
// storage gateway (the production equivalent of the original's S5
// portal backend).
type Portal struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPortal constructs a Portal store against baseURL, authenticating
// with apiKey if non-empty.
func NewPortal(baseURL, apiKey string, timeout time.Duration) *Portal {
	return &Portal{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Portal) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
}

func (p *Portal) Put(ctx context.Context, path string, data []byte) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL+"/"+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build put request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("put %s: server returned %d", path, resp.StatusCode)
	}
	return CID(data), nil
}

func (p *Portal) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get %s: server returned %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Portal) GetByCID(ctx context.Context, cid string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/cid/"+strings.TrimPrefix(cid, "cid://"), nil)
	if err != nil {
		return nil, fmt.Errorf("build get-by-cid request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get by cid %s: %w", cid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get by cid %s: server returned %d", cid, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p *Portal) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete %s: server returned %d", path, resp.StatusCode)
	}
	return nil // idempotent: missing objects tolerated
}

func (p *Portal) Exists(ctx context.Context, path string) (bool, error) {
	if err := ValidatePath(path); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.baseURL+"/"+path, nil)
	if err != nil {
		return false, fmt.Errorf("build head request: %w", err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}
