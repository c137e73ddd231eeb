package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keyhold/keyhold/actor"
	"github.com/keyhold/keyhold/cryptoops"
	"github.com/keyhold/keyhold/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

// statusFor maps keystore errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrUnknownIdentity):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrWrongKind),
		errors.Is(err, interfaces.ErrMalformedInput),
		errors.Is(err, interfaces.ErrInvalidDerivationPath):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrAuthenticationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrKeystoreLocked):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrStorageUnavailable),
		errors.Is(err, interfaces.ErrEntropyUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handler processes HTTP requests for the keystore service. All key
// operations are dispatched through the request actor so per-identity
// ordering holds regardless of how clients interleave their calls.
type Handler struct {
	actor *actor.Actor
	log   *slog.Logger
}

// NewHandler creates a new HTTP request handler over the given actor.
func NewHandler(a *actor.Actor, log *slog.Logger) *Handler {
	return &Handler{actor: a, log: log}
}

type keyInfoResponse struct {
	Identity       string            `json:"identity"`
	Kind           string            `json:"kind"`
	Tags           []string          `json:"tags,omitempty"`
	CreatedAt      string            `json:"created_at"`
	DerivationPath *derivationPathJS `json:"derivation_path,omitempty"`
}

type derivationPathJS struct {
	Seed  string `json:"seed"`
	Index uint64 `json:"index"`
}

func keyInfoJSON(info interfaces.KeyInfo) keyInfoResponse {
	resp := keyInfoResponse{
		Identity:  info.Identity.String(),
		Kind:      info.Kind.String(),
		Tags:      info.Tags,
		CreatedAt: info.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	if info.DerivationPath != nil {
		resp.DerivationPath = &derivationPathJS{
			Seed:  info.DerivationPath.Seed.String(),
			Index: info.DerivationPath.Index,
		}
	}
	return resp
}

// HandleCreateKey generates a new key entry.
//
// URL format: POST /api/v1/keys
// Request body: {"kind": "signing"|"encryption"|"derivation-seed", "tags": [...]}
// Response: key metadata including the new identity.
func (h *Handler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind string   `json:"kind"`
		Tags []string `json:"tags"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	kind, err := interfaces.ParseKeyKind(req.Kind)
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}

	info, err := h.actor.CreateKey(r.Context(), kind, req.Tags)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, keyInfoJSON(info))
}

// HandleListKeys enumerates key metadata.
//
// URL format: GET /api/v1/keys[?kind=signing|encryption|derivation-seed]
func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	var kind *interfaces.KeyKind
	if kindStr := r.URL.Query().Get("kind"); kindStr != "" {
		k, err := interfaces.ParseKeyKind(kindStr)
		if err != nil {
			h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
			return
		}
		kind = &k
	}

	infos, err := h.actor.ListKeys(r.Context(), kind)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := struct {
		Keys []keyInfoResponse `json:"keys"`
	}{Keys: make([]keyInfoResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Keys = append(resp.Keys, keyInfoJSON(info))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleDeleteKey removes a key entry and scrubs its secret.
//
// URL format: DELETE /api/v1/keys/{identity}
func (h *Handler) HandleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	if err := h.actor.DeleteKey(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeriveKey derives a signing subkey from a derivation seed.
//
// URL format: POST /api/v1/keys/{identity}/derive
// Request body: {"index": n, "tags": [...]}
func (h *Handler) HandleDeriveKey(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		Index uint64   `json:"index"`
		Tags  []string `json:"tags"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	info, err := h.actor.DeriveKey(r.Context(), id, req.Index, req.Tags)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, keyInfoJSON(info))
}

// HandleSign signs a message with the identity's signing key.
//
// URL format: POST /api/v1/keys/{identity}/sign
// Request body: {"message": base64}
// Response: {"signature": base64}
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	message, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: message is not valid base64", interfaces.ErrMalformedInput),
		})
		return
	}

	sig, err := h.actor.Sign(r.Context(), id, message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
}

// HandleVerify checks a signature against the identity's public key.
//
// URL format: POST /api/v1/keys/{identity}/verify
// Request body: {"message": base64, "signature": base64}
// Response: {"valid": bool}
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	message, err := base64.StdEncoding.DecodeString(req.Message)
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: message is not valid base64", interfaces.ErrMalformedInput),
		})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: signature is not valid base64", interfaces.ErrMalformedInput),
		})
		return
	}

	valid, err := h.actor.Verify(r.Context(), id, message, sig)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// HandleSeal encrypts a payload from the identity to a recipient public key.
//
// URL format: POST /api/v1/keys/{identity}/seal
// Request body: {"recipient_public": hex, "plaintext": base64}
// Response: {"sealed": base64}
func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		RecipientPublic string `json:"recipient_public"`
		Plaintext       string `json:"plaintext"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	recipient, err := interfaces.NewIdentityFromHex(req.RecipientPublic)
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: plaintext is not valid base64", interfaces.ErrMalformedInput),
		})
		return
	}

	sealed, err := h.actor.Seal(r.Context(), recipient.Bytes(), id, plaintext)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"sealed": base64.StdEncoding.EncodeToString(sealed),
	})
}

// HandleUnseal authenticates and decrypts a sealed payload addressed to the
// identity.
//
// URL format: POST /api/v1/keys/{identity}/unseal
// Request body: {"sender_public": hex, "sealed": base64}
// Response: {"plaintext": base64}
func (h *Handler) HandleUnseal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathIdentity(w, r)
	if !ok {
		return
	}

	var req struct {
		SenderPublic string `json:"sender_public"`
		Sealed       string `json:"sealed"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		return
	}

	sender, err := interfaces.NewIdentityFromHex(req.SenderPublic)
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return
	}
	sealed, err := base64.StdEncoding.DecodeString(req.Sealed)
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: sealed payload is not valid base64", interfaces.ErrMalformedInput),
		})
		return
	}
	if len(sealed) < cryptoops.SealOverhead {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: sealed payload too short", interfaces.ErrMalformedInput),
		})
		return
	}

	plaintext, err := h.actor.Unseal(r.Context(), id, sender.Bytes(), sealed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
}

func (h *Handler) pathIdentity(w http.ResponseWriter, r *http.Request) (interfaces.Identity, bool) {
	idHex := chi.URLParam(r, "identity")
	id, err := interfaces.NewIdentityFromHex(idHex)
	if err != nil {
		h.writeError(w, r, &RequestError{StatusCode: http.StatusBadRequest, Err: err})
		return interfaces.Identity{}, false
	}
	return id, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: failed to read request body", interfaces.ErrMalformedInput),
		})
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		h.writeError(w, r, &RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("%w: invalid JSON body", interfaces.ErrMalformedInput),
		})
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		status = reqErr.StatusCode
	}

	h.log.Debug("Request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", strconv.Itoa(status),
		"err", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
