package canister

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aliscie/ic-websocket-gateway/codec"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/principal"
)

const maxResponseBytes = 16 * 1024 * 1024

// HTTPTransport speaks the backend's HTTP surface using the same
// self-describing CBOR codec as the rest of the wire:
//
//	POST {base}/canister/{id}/ws_get_messages   body: {nonce}         → CertifiedBatch
//	POST {base}/canister/{id}/update_signed     body: signed envelope → 2xx
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the backend at baseURL.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// WsGetMessages implements Transport.
func (t *HTTPTransport) WsGetMessages(ctx context.Context, canisterID principal.Principal, nonce uint64) (*CertifiedBatch, error) {
	body, err := codec.Encode(GetMessagesArgs{Nonce: nonce})
	if err != nil {
		return nil, err
	}
	respBody, err := t.post(ctx, canisterID, "ws_get_messages", body)
	if err != nil {
		return nil, err
	}
	var batch CertifiedBatch
	if err := codec.Decode(respBody, &batch); err != nil {
		return nil, errors.Wrap(err, "malformed ws_get_messages response")
	}
	return &batch, nil
}

// UpdateSigned implements Transport. The envelope is already signed and
// encoded by the client; it is forwarded verbatim.
func (t *HTTPTransport) UpdateSigned(ctx context.Context, canisterID principal.Principal, envelope []byte) error {
	_, err := t.post(ctx, canisterID, "update_signed", envelope)
	return err
}

func (t *HTTPTransport) post(ctx context.Context, canisterID principal.Principal, method string, body []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/canister/%s/%s", t.baseURL, canisterID.String(), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", method)
	}
	req.Header.Set("Content-Type", "application/cbor")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Newf("%s returned status %d", method, resp.StatusCode)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s response", method)
	}
	return respBody, nil
}
