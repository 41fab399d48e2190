package registration

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Payload carries the data a worker needs to register one property on the
// chain. Documents are already pinned by the upload pipeline; only their
// references travel here.
type Payload struct {
	OwnerAddress   string
	MetadataCID    string
	DocumentHashes []string
}

// EncodePayload serializes a Payload for the job envelope.
func EncodePayload(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return buf.Bytes(), nil
}

// DecodePayload reverses EncodePayload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return Payload{}, errors.Wrap(err, "decode payload")
	}
	return p, nil
}

// TxReceipt is the chain's proof of registration.
type TxReceipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// Registrar is the chain-registration collaborator. Failures must be
// classified with Transient or Permanent so callers can pick the right
// recovery.
type Registrar interface {
	Register(ctx context.Context, propertyID string, p Payload) (TxReceipt, error)
}

// HTTPRegistrar registers properties through a JSON gateway in front of the
// chain node.
type HTTPRegistrar struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRegistrar creates an HTTPRegistrar with the given request timeout.
func NewHTTPRegistrar(baseURL string, timeout time.Duration) *HTTPRegistrar {
	return &HTTPRegistrar{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	PropertyID     string   `json:"propertyId"`
	OwnerAddress   string   `json:"ownerAddress"`
	MetadataCID    string   `json:"metadataCid"`
	DocumentHashes []string `json:"documentHashes,omitempty"`
}

// Register implements Registrar. Gateway timeouts and 5xx responses are
// transient; 4xx responses are permanent.
func (r *HTTPRegistrar) Register(ctx context.Context, propertyID string, p Payload) (TxReceipt, error) {
	const op = "chain.register"

	body, err := json.Marshal(registerRequest{
		PropertyID:     propertyID,
		OwnerAddress:   p.OwnerAddress,
		MetadataCID:    p.MetadataCID,
		DocumentHashes: p.DocumentHashes,
	})
	if err != nil {
		return TxReceipt{}, Permanent(op, err)
	}

	endpoint, err := url.JoinPath(r.BaseURL, "registrations")
	if err != nil {
		return TxReceipt{}, Permanent(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TxReceipt{}, Permanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return TxReceipt{}, Transient(op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var receipt TxReceipt
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return TxReceipt{}, Transient(op, errors.Wrap(err, "decode receipt"))
		}
		return receipt, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return TxReceipt{}, Permanent(op, fmt.Errorf("gateway rejected registration: %s", resp.Status))
	default:
		return TxReceipt{}, Transient(op, fmt.Errorf("gateway unavailable: %s", resp.Status))
	}
}
