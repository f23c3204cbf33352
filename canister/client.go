package canister

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

// ErrBackend marks persistent backend failures: the caller should treat the
// canister as unreachable rather than retry.
var ErrBackend = errors.New("backend unavailable")

// Transport performs the actual signed RPC exchange with the IC. It is an
// external collaborator; HTTPTransport is the default implementation.
type Transport interface {
	// WsGetMessages fetches the certified outbound messages of canisterID
	// starting at nonce.
	WsGetMessages(ctx context.Context, canisterID principal.Principal, nonce uint64) (*CertifiedBatch, error)
	// UpdateSigned submits a pre-signed envelope to canisterID's call
	// endpoint.
	UpdateSigned(ctx context.Context, canisterID principal.Principal, envelope []byte) error
}

// ClientOptions tune retry and rate behaviour of the backend client.
type ClientOptions struct {
	// MaxAttempts bounds how often one GetMessages poll retries a transient
	// transport fault before surfacing ErrBackend.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// CallsPerSecond rate-limits SubmitCall toward the backend. Zero means
	// unlimited.
	CallsPerSecond float64
}

// Client wraps a Transport with retry on polls and rate limiting on calls.
type Client struct {
	transport   Transport
	maxAttempts int
	retryDelay  time.Duration
	limiter     *rate.Limiter
	log         *zap.SugaredLogger
}

// NewClient creates a backend client.
func NewClient(t Transport, opts ClientOptions, log *zap.SugaredLogger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.CallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CallsPerSecond), 1)
	}
	return &Client{
		transport:   t,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		limiter:     limiter,
		log:         log,
	}
}

// GetMessages fetches the certified outbound messages of canisterID starting
// at nonce. Transient transport faults are retried up to MaxAttempts;
// exhausting them surfaces ErrBackend.
func (c *Client) GetMessages(ctx context.Context, canisterID principal.Principal, nonce uint64) (*CertifiedBatch, error) {
	var lastErr error
	made := 0
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		made = attempt
		batch, err := c.transport.WsGetMessages(ctx, canisterID, nonce)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.log.Warnw("ws_get_messages attempt failed",
			"canister_id", canisterID.String(),
			"nonce", nonce,
			"attempt", attempt,
			"error", err,
		)
		if attempt < c.maxAttempts {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, errors.Wrapf(ErrBackend, "ws_get_messages failed after %d attempt(s): %v", made, lastErr)
}

// SubmitCall relays a signed envelope to the canister's call endpoint.
// Fire-and-forget: the response to a call is not certified by the canister,
// so it is never relayed back to the client.
func (c *Client) SubmitCall(ctx context.Context, canisterID principal.Principal, envelope []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.transport.UpdateSigned(ctx, canisterID, envelope); err != nil {
		return errors.Wrapf(ErrBackend, "update_signed failed: %v", err)
	}
	return nil
}
