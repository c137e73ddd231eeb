package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keyhold/keyhold/cryptoops"
	"github.com/keyhold/keyhold/interfaces"
	"github.com/keyhold/keyhold/metrics"
	"github.com/keyhold/keyhold/registry"
)

// requestState tracks a request through its lifecycle for logging.
type requestState int

const (
	statePending requestState = iota
	stateResolving
	stateExecuting
	stateCompleted
	stateFailed
)

func (s requestState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateResolving:
		return "resolving"
	case stateExecuting:
		return "executing"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// outcome carries a finished request's result to its submitter.
type outcome struct {
	value any
	err   error
}

// request is one queued operation against a single identity.
type request struct {
	token  uuid.UUID
	op     string
	run    func(ctx context.Context) (any, error)
	result chan outcome // buffered; delivery never blocks the worker
}

// queue is the FIFO of requests for one identity, drained by exactly one
// worker goroutine.
type queue struct {
	pending []*request
}

// Actor is the keystore's single serialization point. Every operation
// addressed to an identity goes through a per-identity FIFO queue drained
// by one worker, so operations on the same identity never race and
// complete in submission order. Queues for distinct identities progress
// concurrently, and operations with no destination identity (creation,
// listing) bypass queueing entirely.
type Actor struct {
	log      *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics

	// rootCtx bounds request execution. A submitter abandoning its
	// request does not cancel execution; only actor shutdown does.
	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu     sync.Mutex
	queues map[interfaces.Identity]*queue
	closed bool

	wg sync.WaitGroup
}

// New creates an actor dispatching into the given registry.
func New(log *slog.Logger, reg *registry.Registry, m *metrics.Metrics) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Actor{
		log:        log,
		registry:   reg,
		metrics:    m,
		rootCtx:    ctx,
		cancelRoot: cancel,
		queues:     make(map[interfaces.Identity]*queue),
	}
}

// CreateKey generates a new key entry. Creation has no destination
// identity yet, so it executes immediately, concurrently with everything
// else.
func (a *Actor) CreateKey(ctx context.Context, kind interfaces.KeyKind, tags []string) (interfaces.KeyInfo, error) {
	start := time.Now()
	info, err := a.registry.Create(ctx, kind, tags)
	a.observe("create_key", start, err)
	return info, err
}

// ListKeys enumerates key metadata. Read-only and unqueued.
func (a *Actor) ListKeys(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	start := time.Now()
	infos, err := a.registry.List(ctx, kind)
	a.observe("list_keys", start, err)
	return infos, err
}

// DeriveKey derives a signing subkey from a derivation seed. Ordered on
// the seed identity so derivation never races a concurrent deletion of
// the seed.
func (a *Actor) DeriveKey(ctx context.Context, seedID interfaces.Identity, index uint64, tags []string) (interfaces.KeyInfo, error) {
	value, err := a.submit(ctx, seedID, "derive_key", func(execCtx context.Context) (any, error) {
		return a.registry.Derive(execCtx, seedID, index, tags)
	})
	if err != nil {
		return interfaces.KeyInfo{}, err
	}
	return value.(interfaces.KeyInfo), nil
}

// Sign produces a signature over message with the identity's signing key.
func (a *Actor) Sign(ctx context.Context, id interfaces.Identity, message []byte) ([]byte, error) {
	value, err := a.submit(ctx, id, "sign", func(execCtx context.Context) (any, error) {
		var sig []byte
		err := a.registry.WithSecret(execCtx, id, func(info interfaces.KeyInfo, secret []byte) error {
			if info.Kind != interfaces.SigningKey {
				return fmt.Errorf("%w: %s is a %s key, cannot sign", interfaces.ErrWrongKind, id, info.Kind)
			}
			var signErr error
			sig, signErr = cryptoops.Sign(secret, message)
			return signErr
		})
		return sig, err
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// Verify checks a signature against the identity's public key. It needs
// no secret access but is still ordered on the identity so a verify
// submitted before a delete observes the entry.
func (a *Actor) Verify(ctx context.Context, id interfaces.Identity, message, signature []byte) (bool, error) {
	value, err := a.submit(ctx, id, "verify", func(execCtx context.Context) (any, error) {
		info, err := a.registry.Describe(execCtx, id)
		if err != nil {
			return false, err
		}
		if info.Kind != interfaces.SigningKey {
			return false, fmt.Errorf("%w: %s is a %s key, cannot verify", interfaces.ErrWrongKind, id, info.Kind)
		}
		return cryptoops.Verify(id.Bytes(), message, signature), nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

// Seal encrypts plaintext from the sender identity to an arbitrary
// recipient public key. Ordered on the sender identity.
func (a *Actor) Seal(ctx context.Context, recipientPublic []byte, senderID interfaces.Identity, plaintext []byte) ([]byte, error) {
	value, err := a.submit(ctx, senderID, "seal", func(execCtx context.Context) (any, error) {
		var sealed []byte
		err := a.registry.WithSecret(execCtx, senderID, func(info interfaces.KeyInfo, secret []byte) error {
			if info.Kind != interfaces.EncryptionKey {
				return fmt.Errorf("%w: %s is a %s key, cannot seal", interfaces.ErrWrongKind, senderID, info.Kind)
			}
			var sealErr error
			sealed, sealErr = cryptoops.Seal(recipientPublic, secret, plaintext)
			return sealErr
		})
		return sealed, err
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// Unseal authenticates and decrypts a sealed box addressed to the
// identity. Ordered on the recipient identity.
func (a *Actor) Unseal(ctx context.Context, id interfaces.Identity, senderPublic, ciphertext []byte) ([]byte, error) {
	value, err := a.submit(ctx, id, "unseal", func(execCtx context.Context) (any, error) {
		var plaintext []byte
		err := a.registry.WithSecret(execCtx, id, func(info interfaces.KeyInfo, secret []byte) error {
			if info.Kind != interfaces.EncryptionKey {
				return fmt.Errorf("%w: %s is a %s key, cannot unseal", interfaces.ErrWrongKind, id, info.Kind)
			}
			var openErr error
			plaintext, openErr = cryptoops.Unseal(secret, senderPublic, ciphertext)
			return openErr
		})
		return plaintext, err
	})
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// DeleteKey removes the identity's entry and scrubs its hot secret.
// Ordered on the identity: a sign submitted first completes (or fails on
// its own terms) before the delete executes.
func (a *Actor) DeleteKey(ctx context.Context, id interfaces.Identity) error {
	_, err := a.submit(ctx, id, "delete_key", func(execCtx context.Context) (any, error) {
		return nil, a.registry.Delete(execCtx, id)
	})
	return err
}

// submit appends a request to the identity's queue and waits for its
// outcome. If ctx is cancelled while waiting, the caller gets ctx.Err()
// but the request stays queued and will still execute; only result
// delivery is abandoned.
func (a *Actor) submit(ctx context.Context, id interfaces.Identity, op string, run func(context.Context) (any, error)) (any, error) {
	req := &request{
		token:  uuid.Must(uuid.NewRandom()),
		op:     op,
		run:    run,
		result: make(chan outcome, 1),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("actor is shut down")
	}
	q, ok := a.queues[id]
	if !ok {
		q = &queue{}
		a.queues[id] = q
		a.wg.Add(1)
		go a.drain(id, q)
	}
	q.pending = append(q.pending, req)
	a.mu.Unlock()

	a.log.Debug("Request enqueued",
		"token", req.token.String(),
		"op", op,
		"identity", id.String(),
		"state", statePending.String())

	start := time.Now()
	select {
	case out := <-req.result:
		a.observe(op, start, out.err)
		return out.value, out.err
	case <-ctx.Done():
		a.observe(op, start, ctx.Err())
		return nil, ctx.Err()
	}
}

// drain is the per-identity worker. It runs requests strictly in
// submission order and retires once the queue is empty.
func (a *Actor) drain(id interfaces.Identity, q *queue) {
	defer a.wg.Done()

	for {
		a.mu.Lock()
		if len(q.pending) == 0 {
			delete(a.queues, id)
			a.mu.Unlock()
			return
		}
		req := q.pending[0]
		q.pending = q.pending[1:]
		a.mu.Unlock()

		a.log.Debug("Request executing",
			"token", req.token.String(),
			"op", req.op,
			"identity", id.String(),
			"state", stateExecuting.String())

		value, err := a.execute(req)

		state := stateCompleted
		if err != nil {
			state = stateFailed
		}
		a.log.Debug("Request finished",
			"token", req.token.String(),
			"op", req.op,
			"identity", id.String(),
			"state", state.String(),
			"err", err)

		req.result <- outcome{value: value, err: err}

		// A dead persistence layer dooms everything already queued on
		// this identity; fail it all now rather than grinding through
		// timeouts one by one. New requests are accepted as usual.
		if errors.Is(err, interfaces.ErrStorageUnavailable) {
			a.flush(id, q)
		}
	}
}

// execute runs one request, converting a panic inside the operation into
// a failed request rather than a dead worker.
func (a *Actor) execute(req *request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return req.run(a.rootCtx)
}

// flush fails every request currently queued on an identity with
// ErrStorageUnavailable.
func (a *Actor) flush(id interfaces.Identity, q *queue) {
	a.mu.Lock()
	flushed := q.pending
	q.pending = nil
	a.mu.Unlock()

	if len(flushed) == 0 {
		return
	}

	a.metrics.QueueFlushes.Inc()
	a.log.Warn("Flushing queued requests, storage unavailable",
		"identity", id.String(),
		"flushed", len(flushed))

	for _, req := range flushed {
		req.result <- outcome{err: interfaces.ErrStorageUnavailable}
	}
}

// observe records a completed operation.
func (a *Actor) observe(op string, start time.Time, err error) {
	a.metrics.ObserveOp(op, outcomeLabel(err), start)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, interfaces.ErrWrongKind):
		return "wrong_kind"
	case errors.Is(err, interfaces.ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, interfaces.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, interfaces.ErrInvalidDerivationPath):
		return "invalid_derivation_path"
	case errors.Is(err, interfaces.ErrEntropyUnavailable):
		return "entropy_unavailable"
	case errors.Is(err, interfaces.ErrKeystoreLocked):
		return "keystore_locked"
	case errors.Is(err, interfaces.ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, interfaces.ErrEncryptionFailure):
		return "encryption_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	default:
		return "error"
	}
}

// Close stops accepting requests, waits for every queued request to
// finish, and releases the workers.
func (a *Actor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	a.cancelRoot()
	a.log.Info("Request actor drained and closed")
}
