package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhold/keyhold/actor"
	"github.com/keyhold/keyhold/masterkey"
	"github.com/keyhold/keyhold/metrics"
	"github.com/keyhold/keyhold/persist"
	"github.com/keyhold/keyhold/registry"
	"github.com/keyhold/keyhold/vault"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := vault.New(log)
	store := persist.NewMemoryAdapter()
	r := registry.New(log, v, store)

	raw := make([]byte, masterkey.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	mk, err := masterkey.FromBytes(raw)
	require.NoError(t, err)
	r.Unlock(mk)

	m := metrics.New("keyhold")
	a := actor.New(log, r, m)
	t.Cleanup(a.Close)

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		MetricsAddr:              "",
		Log:                      log,
		DrainDuration:            10 * time.Millisecond,
		GracefulShutdownDuration: time.Second,
		ReadTimeout:              time.Second,
		WriteTimeout:             time.Second,
	}, NewHandler(a, log), m)
	require.NoError(t, err)

	return srv.getRouter()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func createKey(t *testing.T, router http.Handler, kind string) string {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/keys", map[string]any{"kind": kind})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Identity string `json:"identity"`
		Kind     string `json:"kind"`
	}
	decodeBody(t, rec, &resp)
	require.Equal(t, kind, resp.Kind)
	require.Len(t, resp.Identity, 64)
	return resp.Identity
}

func TestCreateSignVerifyOverHTTP(t *testing.T) {
	router := newTestServer(t)
	id := createKey(t, router, "signing")

	message := base64.StdEncoding.EncodeToString([]byte("payload"))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/keys/"+id+"/sign", map[string]string{"message": message})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var signResp struct {
		Signature string `json:"signature"`
	}
	decodeBody(t, rec, &signResp)
	require.NotEmpty(t, signResp.Signature)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+id+"/verify", map[string]string{
		"message":   message,
		"signature": signResp.Signature,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var verifyResp struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, rec, &verifyResp)
	assert.True(t, verifyResp.Valid)

	// A different message does not verify.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+id+"/verify", map[string]string{
		"message":   base64.StdEncoding.EncodeToString([]byte("other")),
		"signature": signResp.Signature,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &verifyResp)
	assert.False(t, verifyResp.Valid)
}

func TestSealUnsealOverHTTP(t *testing.T) {
	router := newTestServer(t)
	sender := createKey(t, router, "encryption")
	recipient := createKey(t, router, "encryption")

	plaintext := base64.StdEncoding.EncodeToString([]byte("secret note"))

	rec := doJSON(t, router, http.MethodPost, "/api/v1/keys/"+sender+"/seal", map[string]string{
		"recipient_public": recipient,
		"plaintext":        plaintext,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sealResp struct {
		Sealed string `json:"sealed"`
	}
	decodeBody(t, rec, &sealResp)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+recipient+"/unseal", map[string]string{
		"sender_public": sender,
		"sealed":        sealResp.Sealed,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var unsealResp struct {
		Plaintext string `json:"plaintext"`
	}
	decodeBody(t, rec, &unsealResp)
	assert.Equal(t, plaintext, unsealResp.Plaintext)

	// Tampered ciphertext is rejected as an authentication failure.
	sealed, err := base64.StdEncoding.DecodeString(sealResp.Sealed)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+recipient+"/unseal", map[string]string{
		"sender_public": sender,
		"sealed":        base64.StdEncoding.EncodeToString(sealed),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeriveOverHTTP(t *testing.T) {
	router := newTestServer(t)
	seed := createKey(t, router, "derivation-seed")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/keys/"+seed+"/derive", map[string]any{
		"index": 3,
		"tags":  []string{"env:test"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Identity       string `json:"identity"`
		Kind           string `json:"kind"`
		DerivationPath *struct {
			Seed  string `json:"seed"`
			Index uint64 `json:"index"`
		} `json:"derivation_path"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "signing", resp.Kind)
	require.NotNil(t, resp.DerivationPath)
	assert.Equal(t, seed, resp.DerivationPath.Seed)
	assert.Equal(t, uint64(3), resp.DerivationPath.Index)

	// Re-deriving the same path yields the same identity.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+seed+"/derive", map[string]any{"index": 3})
	require.Equal(t, http.StatusCreated, rec.Code)
	first := resp.Identity
	decodeBody(t, rec, &resp)
	assert.Equal(t, first, resp.Identity)
}

func TestListAndDelete(t *testing.T) {
	router := newTestServer(t)
	signing := createKey(t, router, "signing")
	_ = createKey(t, router, "encryption")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Keys []struct {
			Identity string `json:"identity"`
			Kind     string `json:"kind"`
		} `json:"keys"`
	}
	decodeBody(t, rec, &listResp)
	assert.Len(t, listResp.Keys, 2)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/keys?kind=encryption", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listResp)
	assert.Len(t, listResp.Keys, 1)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/keys/"+signing, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+signing+"/sign", map[string]string{
		"message": base64.StdEncoding.EncodeToString([]byte("m")),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	router := newTestServer(t)

	// Unknown kind.
	rec := doJSON(t, router, http.MethodPost, "/api/v1/keys", map[string]string{"kind": "rsa"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed identity in path.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/nothex/sign", map[string]string{"message": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown identity.
	unknown := fmt.Sprintf("%064x", 0xdead)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+unknown+"/sign", map[string]string{
		"message": base64.StdEncoding.EncodeToString([]byte("m")),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Wrong kind: signing with an encryption key.
	enc := createKey(t, router, "encryption")
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+enc+"/sign", map[string]string{
		"message": base64.StdEncoding.EncodeToString([]byte("m")),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid base64 body field.
	sig := createKey(t, router, "signing")
	rec = doJSON(t, router, http.MethodPost, "/api/v1/keys/"+sig+"/sign", map[string]string{"message": "!!!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadinessGatedOnStorage(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := vault.New(log)
	store := persist.NewMemoryAdapter()
	r := registry.New(log, v, store)
	m := metrics.New("keyhold")
	a := actor.New(log, r, m)
	t.Cleanup(a.Close)

	storageUp := true
	srv, err := New(&HTTPServerConfig{
		ListenAddr:    "127.0.0.1:0",
		Log:           log,
		StorageCheck:  func(context.Context) bool { return storageUp },
		DrainDuration: 10 * time.Millisecond,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
	}, NewHandler(a, log), m)
	require.NoError(t, err)
	router := srv.getRouter()

	rec := doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	storageUp = false
	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/livez", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthAndDrain(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/drain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/undrain", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
