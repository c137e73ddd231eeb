package actor

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhold/keyhold/cryptoops"
	"github.com/keyhold/keyhold/interfaces"
	"github.com/keyhold/keyhold/masterkey"
	"github.com/keyhold/keyhold/metrics"
	"github.com/keyhold/keyhold/persist"
	"github.com/keyhold/keyhold/registry"
	"github.com/keyhold/keyhold/vault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedStore wraps the memory adapter so tests can hold a worker inside a
// Put and inject storage failures while other requests queue up behind it.
type gatedStore struct {
	*persist.MemoryAdapter

	mu      sync.Mutex
	putGate chan struct{}
	putErr  error
}

func (s *gatedStore) Put(ctx context.Context, entry interfaces.KeyEntry) error {
	s.mu.Lock()
	gate := s.putGate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	perr := s.putErr
	s.mu.Unlock()
	if perr != nil {
		return perr
	}
	return s.MemoryAdapter.Put(ctx, entry)
}

func (s *gatedStore) holdPuts() chan struct{} {
	gate := make(chan struct{})
	s.mu.Lock()
	s.putGate = gate
	s.mu.Unlock()
	return gate
}

func (s *gatedStore) failPuts(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

func newTestActor(t *testing.T) (*Actor, *metrics.Metrics, *gatedStore) {
	t.Helper()

	store := &gatedStore{MemoryAdapter: persist.NewMemoryAdapter()}
	v := vault.New(testLogger())
	r := registry.New(testLogger(), v, store)

	raw := make([]byte, masterkey.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	mk, err := masterkey.FromBytes(raw)
	require.NoError(t, err)
	r.Unlock(mk)

	m := metrics.New("keyhold")
	a := New(testLogger(), r, m)
	t.Cleanup(a.Close)
	return a, m, store
}

func TestSignVerifyRoundtrip(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	info, err := a.CreateKey(ctx, interfaces.SigningKey, []string{"svc:test"})
	require.NoError(t, err)

	sig, err := a.Sign(ctx, info.Identity, []byte("payload"))
	require.NoError(t, err)
	require.Len(t, sig, cryptoops.SignatureSize)

	ok, err := a.Verify(ctx, info.Identity, []byte("payload"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Verify(ctx, info.Identity, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealUnsealRoundtrip(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	sender, err := a.CreateKey(ctx, interfaces.EncryptionKey, nil)
	require.NoError(t, err)
	recipient, err := a.CreateKey(ctx, interfaces.EncryptionKey, nil)
	require.NoError(t, err)

	sealed, err := a.Seal(ctx, recipient.Identity.Bytes(), sender.Identity, []byte("secret note"))
	require.NoError(t, err)

	opened, err := a.Unseal(ctx, recipient.Identity, sender.Identity.Bytes(), sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret note"), opened)

	// Tampering is rejected on unseal.
	sealed[len(sealed)-1] ^= 0x01
	_, err = a.Unseal(ctx, recipient.Identity, sender.Identity.Bytes(), sealed)
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailed)
}

func TestKindChecks(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	signing, err := a.CreateKey(ctx, interfaces.SigningKey, nil)
	require.NoError(t, err)
	encryption, err := a.CreateKey(ctx, interfaces.EncryptionKey, nil)
	require.NoError(t, err)

	_, err = a.Sign(ctx, encryption.Identity, []byte("m"))
	assert.ErrorIs(t, err, interfaces.ErrWrongKind)

	_, err = a.Verify(ctx, encryption.Identity, []byte("m"), make([]byte, cryptoops.SignatureSize))
	assert.ErrorIs(t, err, interfaces.ErrWrongKind)

	_, err = a.Seal(ctx, encryption.Identity.Bytes(), signing.Identity, []byte("m"))
	assert.ErrorIs(t, err, interfaces.ErrWrongKind)

	_, err = a.Unseal(ctx, signing.Identity, encryption.Identity.Bytes(), make([]byte, cryptoops.SealOverhead+1))
	assert.ErrorIs(t, err, interfaces.ErrWrongKind)

	_, err = a.DeriveKey(ctx, signing.Identity, 0, nil)
	assert.ErrorIs(t, err, interfaces.ErrWrongKind)
}

func TestUnknownIdentity(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	_, err := a.Sign(ctx, interfaces.Identity{0xee}, []byte("m"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownIdentity)

	err = a.DeleteKey(ctx, interfaces.Identity{0xee})
	assert.ErrorIs(t, err, interfaces.ErrUnknownIdentity)
}

func TestDeleteOrderedAfterSign(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	info, err := a.CreateKey(ctx, interfaces.SigningKey, nil)
	require.NoError(t, err)

	sig, err := a.Sign(ctx, info.Identity, []byte("before"))
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	require.NoError(t, a.DeleteKey(ctx, info.Identity))

	_, err = a.Sign(ctx, info.Identity, []byte("after"))
	assert.ErrorIs(t, err, interfaces.ErrUnknownIdentity)
}

func TestAbandonedRequestStillExecutes(t *testing.T) {
	a, _, _ := newTestActor(t)
	ctx := context.Background()

	seed, err := a.CreateKey(ctx, interfaces.DerivationSeed, nil)
	require.NoError(t, err)

	// The submitter walks away immediately, but the derivation is already
	// queued and must still run to completion.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.DeriveKey(cancelled, seed.Identity, 7, nil)
	require.ErrorIs(t, err, context.Canceled)

	// A follow-up operation on the same seed identity is ordered behind
	// the abandoned derivation; once it returns, the derived key exists.
	_, err = a.DeriveKey(ctx, seed.Identity, 8, nil)
	require.NoError(t, err)

	infos, err := a.ListKeys(ctx, nil)
	require.NoError(t, err)

	var derived []interfaces.KeyInfo
	for _, info := range infos {
		if info.DerivationPath != nil {
			derived = append(derived, info)
		}
	}
	require.Len(t, derived, 2)

	indices := map[uint64]bool{}
	for _, info := range derived {
		indices[info.DerivationPath.Index] = true
	}
	assert.True(t, indices[7], "abandoned derivation must still have executed")
	assert.True(t, indices[8])
}

func TestIdentitiesProgressIndependently(t *testing.T) {
	a, _, store := newTestActor(t)
	ctx := context.Background()

	seed, err := a.CreateKey(ctx, interfaces.DerivationSeed, nil)
	require.NoError(t, err)
	signing, err := a.CreateKey(ctx, interfaces.SigningKey, nil)
	require.NoError(t, err)

	// Park the seed identity's worker inside a persistence write.
	gate := store.holdPuts()
	derived := make(chan error, 1)
	go func() {
		_, err := a.DeriveKey(ctx, seed.Identity, 0, nil)
		derived <- err
	}()

	// A different identity is not blocked behind it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, signErr := a.Sign(ctx, signing.Identity, []byte("m"))
		assert.NoError(t, signErr)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sign on an independent identity stalled behind another identity's queue")
	}

	close(gate)
	require.NoError(t, <-derived)
}

func TestStorageFailureFlushesQueue(t *testing.T) {
	a, m, store := newTestActor(t)
	ctx := context.Background()

	seed, err := a.CreateKey(ctx, interfaces.DerivationSeed, nil)
	require.NoError(t, err)

	// First derivation parks its worker inside Put.
	gate := store.holdPuts()
	first := make(chan error, 1)
	go func() {
		_, err := a.DeriveKey(ctx, seed.Identity, 0, nil)
		first <- err
	}()

	// Queue two more behind it. Cancelled contexts make the submissions
	// return immediately while the requests stay queued.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.DeriveKey(cancelled, seed.Identity, 1, nil)
	require.ErrorIs(t, err, context.Canceled)
	_, err = a.DeriveKey(cancelled, seed.Identity, 2, nil)
	require.ErrorIs(t, err, context.Canceled)

	// Storage dies; the in-flight request fails and the queue is flushed.
	store.failPuts(interfaces.ErrStorageUnavailable)
	close(gate)

	require.ErrorIs(t, <-first, interfaces.ErrStorageUnavailable)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueueFlushes) == 1
	}, 5*time.Second, 10*time.Millisecond, "flush of the queued requests must be recorded")
}

func TestCloseRejectsNewRequests(t *testing.T) {
	store := &gatedStore{MemoryAdapter: persist.NewMemoryAdapter()}
	v := vault.New(testLogger())
	r := registry.New(testLogger(), v, store)

	raw := make([]byte, masterkey.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	mk, err := masterkey.FromBytes(raw)
	require.NoError(t, err)
	r.Unlock(mk)

	a := New(testLogger(), r, metrics.New("keyhold"))
	info, err := a.CreateKey(context.Background(), interfaces.SigningKey, nil)
	require.NoError(t, err)

	a.Close()

	_, err = a.Sign(context.Background(), info.Identity, []byte("m"))
	assert.Error(t, err)
}
