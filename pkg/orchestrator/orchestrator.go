// Package orchestrator routes decrypted session requests to an
// inference engine,
// streams LLM token chunks back through the Session Manager, force-
// checkpoints on finish_reason, and serves the non-streaming
// embed/image-gen/OCR/describe-image and vector endpoints. The
// pluggable-engine lookup is grounded on
// pkg/strategy/registry.go Register/Get-by-key shape.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/meshcompute/host-node/pkg/checkpoint"
	"github.com/meshcompute/host-node/pkg/errs"
	"github.com/meshcompute/host-node/pkg/session"
	"github.com/meshcompute/host-node/pkg/vectorloader"
	"github.com/meshcompute/host-node/pkg/vectorstore"
)

// Wire action names dispatched by the Session Manager.
const (
	ActionGenerate       = "generate"
	ActionEmbed          = "embed"
	ActionGenerateImage  = "generate_image"
	ActionOCR            = "ocr"
	ActionDescribeImage  = "describe_image"
	ActionVectorAdd      = "vector_add"
	ActionVectorSearch   = "vector_search"
	ActionVectorDelete   = "vector_delete"
	ActionVectorLoad     = "vector_load"
)

// TokenChunk is one unit of a streaming generation. FinishReason is
// empty until the final chunk.
type TokenChunk struct {
	Text         string
	FinishReason string
}

// Engine is the external model surface the orchestrator drives.
// GenerateStream returns a channel the orchestrator drains until
// close; the engine closes it after emitting a chunk with a non-empty
// FinishReason (or on error/cancellation).
type Engine interface {
	GenerateStream(ctx context.Context, prompt string, history []string) (<-chan TokenChunk, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
	OCR(ctx context.Context, image []byte) (string, error)
	DescribeImage(ctx context.Context, image []byte) (string, error)
}

// Tracker is the subset of *checkpoint.Tracker the orchestrator drives.
type Tracker interface {
	RecordTokens(ctx context.Context, jobID, sessionID string, delta int64, partialResultHash []byte, jobIDBig *big.Int) error
	ForceCheckpoint(ctx context.Context, jobID, sessionID string, partialResultHash []byte, jobIDBig *big.Int) error
}

// Router wires an Engine and a Tracker into the session.Handler map
// the Session Manager dispatches into.
type Router struct {
	engine  Engine
	tracker Tracker
	mgr     *session.Manager
	loader  *vectorloader.Loader
}

// New constructs a Router. tracker may be nil for anonymous
// (jobless) sessions, which skip checkpointing entirely. loader may be
// nil, in which case vector_load requests fail with CodeInternal.
func New(engine Engine, tracker Tracker, mgr *session.Manager, loader *vectorloader.Loader) *Router {
	return &Router{engine: engine, tracker: tracker, mgr: mgr, loader: loader}
}

// Handlers returns the action -> session.Handler map for
// session.NewManager.
func (r *Router) Handlers() map[string]session.Handler {
	return map[string]session.Handler{
		ActionGenerate:      r.handleGenerate,
		ActionEmbed:         r.handleEmbed,
		ActionGenerateImage: r.handleGenerateImage,
		ActionOCR:           r.handleOCR,
		ActionDescribeImage: r.handleDescribeImage,
		ActionVectorAdd:     r.handleVectorAdd,
		ActionVectorSearch:  r.handleVectorSearch,
		ActionVectorDelete:  r.handleVectorDelete,
		ActionVectorLoad:    r.handleVectorLoad,
	}
}

type generateRequest struct {
	Prompt  string   `json:"prompt"`
	History []string `json:"history,omitempty"`
}

// handleGenerate drives the streaming flow: assemble prompt,
// submit to the engine, relay each chunk encrypted to the client and
// to the token tracker, force-checkpoint on finish_reason. It runs
// inline on the session's read-pump goroutine, preserving per-session
// ordering; the caller (Session Manager) never dispatches it to a
// worker pool.
func (r *Router) handleGenerate(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in generateRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed generate request"}
	}

	stream, err := r.engine.GenerateStream(ctx, in.Prompt, in.History)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodePromptBlocked, Message: "generation failed"}
	}

	var lastChunk []byte
	for chunk := range stream {
		lastChunk = []byte(chunk.Text)
		if err := r.mgr.SendStreamChunk(sess, "", lastChunk); err != nil {
			return nil, &session.WireError{Code: errs.CodeInternal, Message: "stream send failed"}
		}
		sess.AddTokens(1)

		if r.tracker != nil {
			_ = r.recordTokens(ctx, sess, lastChunk)
		}

		if chunk.FinishReason != "" {
			if err := r.mgr.SendStreamEnd(sess, "", chunk.FinishReason); err != nil {
				return nil, &session.WireError{Code: errs.CodeInternal, Message: "stream end send failed"}
			}
			if r.tracker != nil {
				r.forceCheckpoint(ctx, sess, lastChunk)
			}
			break
		}
	}

	return json.RawMessage(`{}`), nil
}

func (r *Router) recordTokens(ctx context.Context, sess *session.Session, partial []byte) error {
	jobIDBig, ok := jobIDAsBig(sess.JobID)
	if !ok {
		return nil
	}
	hash := sha256.Sum256(partial)
	return r.tracker.RecordTokens(ctx, sess.JobID, sess.ID, 1, hash[:], jobIDBig)
}

func (r *Router) forceCheckpoint(ctx context.Context, sess *session.Session, partial []byte) {
	jobIDBig, ok := jobIDAsBig(sess.JobID)
	if !ok {
		return
	}
	hash := sha256.Sum256(partial)
	r.tracker.ForceCheckpoint(ctx, sess.JobID, sess.ID, hash[:], jobIDBig)
}

func jobIDAsBig(jobID string) (*big.Int, bool) {
	if jobID == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(jobID, 0)
	return n, ok
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (r *Router) handleEmbed(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in embedRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed embed request"}
	}
	vec, err := r.engine.Embed(ctx, in.Text)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeInternal, Message: "embedding failed"}
	}
	return marshalOrFail(embedResponse{Embedding: vec})
}

type imageRequest struct {
	Prompt string `json:"prompt"`
}

type imageResponse struct {
	ImageBase64 string `json:"imageBase64"`
}

func (r *Router) handleGenerateImage(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in imageRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed image request"}
	}
	data, err := r.engine.GenerateImage(ctx, in.Prompt)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeDiffusionServiceUnavailable, Message: "image generation failed"}
	}
	return marshalOrFail(imageResponse{ImageBase64: encodeBase64(data)})
}

type ocrRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

type textResponse struct {
	Text string `json:"text"`
}

func (r *Router) handleOCR(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in ocrRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed ocr request"}
	}
	data, err := decodeBase64(in.ImageBase64)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed image payload"}
	}
	text, err := r.engine.OCR(ctx, data)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeInternal, Message: "ocr failed"}
	}
	return marshalOrFail(textResponse{Text: text})
}

func (r *Router) handleDescribeImage(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in ocrRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed describe_image request"}
	}
	data, err := decodeBase64(in.ImageBase64)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed image payload"}
	}
	text, err := r.engine.DescribeImage(ctx, data)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeInternal, Message: "describe_image failed"}
	}
	return marshalOrFail(textResponse{Text: text})
}

type vectorAddRequest struct {
	ID       string          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (r *Router) handleVectorAdd(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in vectorAddRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed vector_add request"}
	}
	if err := sess.Vectors().Add(in.ID, in.Vector, in.Metadata); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: err.Error()}
	}
	return json.RawMessage(`{}`), nil
}

type vectorSearchRequest struct {
	Query     []float32                  `json:"query"`
	K         int                        `json:"k"`
	Threshold *float64                   `json:"threshold,omitempty"`
	Filter    map[string]json.RawMessage `json:"filter,omitempty"`
}

type vectorSearchResponse struct {
	Results []vectorstore.Result `json:"results"`
}

func (r *Router) handleVectorSearch(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in vectorSearchRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed vector_search request"}
	}

	var (
		results []vectorstore.Result
		err     error
	)
	if in.Filter != nil {
		results, err = sess.Vectors().SearchWithFilter(in.Query, in.K, in.Filter)
	} else {
		results, err = sess.Vectors().Search(in.Query, in.K, in.Threshold)
	}
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: err.Error()}
	}
	return marshalOrFail(vectorSearchResponse{Results: results})
}

type vectorDeleteRequest struct {
	ID string `json:"id"`
}

func (r *Router) handleVectorDelete(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	var in vectorDeleteRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed vector_delete request"}
	}
	sess.Vectors().Delete(in.ID)
	return json.RawMessage(`{}`), nil
}

type vectorLoadRequest struct {
	ManifestPath string `json:"manifestPath"`
}

type vectorLoadResponse struct {
	Loaded int `json:"loaded"`
}

func (r *Router) handleVectorLoad(ctx context.Context, sess *session.Session, req session.InnerRequest) (json.RawMessage, *session.WireError) {
	if r.loader == nil {
		return nil, &session.WireError{Code: errs.CodeInternal, Message: "vector loading not configured"}
	}
	var in vectorLoadRequest
	if err := json.Unmarshal(req.Data, &in); err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: "malformed vector_load request"}
	}
	result, err := r.loader.Load(ctx, in.ManifestPath, sess.Owner, sess.Key(), nil)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: err.Error()}
	}
	for _, v := range result.Vectors {
		if err := sess.Vectors().Add(v.ID, v.Vector, v.Metadata); err != nil {
			return nil, &session.WireError{Code: errs.CodeValidationFailed, Message: err.Error()}
		}
	}
	return marshalOrFail(vectorLoadResponse{Loaded: len(result.Vectors)})
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func marshalOrFail(v interface{}) (json.RawMessage, *session.WireError) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &session.WireError{Code: errs.CodeInternal, Message: "response encoding failed"}
	}
	return b, nil
}
