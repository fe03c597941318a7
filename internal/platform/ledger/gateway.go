package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// GatewayClient anchors through a REST ledger gateway:
//
//	POST /anchors          {"consentId", "commitment"} -> {"handle"}
//	GET  /anchors/{handle} -> {"status", "txHash", "blockNumber", "reason"}
type GatewayClient struct {
	http *resty.Client
}

type gatewaySubmitRequest struct {
	ConsentID  string `json:"consentId"`
	Commitment string `json:"commitment"`
}

type gatewaySubmitResponse struct {
	Handle string `json:"handle"`
}

type gatewayStatusResponse struct {
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Reason      string `json:"reason"`
}

type gatewayError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewGatewayClient returns a gateway driver. Retries are left to the
// Confirmer, so the HTTP client never retries on its own.
func NewGatewayClient(baseURL, token string, timeout time.Duration) *GatewayClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &GatewayClient{http: client}
}

func (g *GatewayClient) Submit(ctx context.Context, consentID, commitment string) (string, error) {
	if _, err := decodeCommitment(commitment); err != nil {
		return "", err
	}

	var out gatewaySubmitResponse
	var apiErr gatewayError
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(gatewaySubmitRequest{ConsentID: consentID, Commitment: commitment}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/anchors")
	if err != nil {
		return "", fmt.Errorf("gateway submit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("gateway submit: status %d: %s", resp.StatusCode(), apiErr.Message)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("gateway submit: empty handle")
	}
	return out.Handle, nil
}

func (g *GatewayClient) PollConfirmation(ctx context.Context, handle string) (Confirmation, error) {
	var out gatewayStatusResponse
	var apiErr gatewayError
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/anchors/" + url.PathEscape(handle))
	if err != nil {
		return Confirmation{}, fmt.Errorf("gateway poll: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Confirmation{State: StateFailed, Reason: ErrUnknownHandle.Error()}, nil
	}
	if resp.IsError() {
		return Confirmation{}, fmt.Errorf("gateway poll: status %d: %s", resp.StatusCode(), apiErr.Message)
	}

	switch State(out.Status) {
	case StatePending:
		return Confirmation{State: StatePending}, nil
	case StateConfirmed:
		if out.TxHash == "" {
			return Confirmation{}, fmt.Errorf("gateway poll: confirmed without tx hash")
		}
		return Confirmation{State: StateConfirmed, TxHash: out.TxHash, BlockNumber: out.BlockNumber}, nil
	case StateFailed:
		return Confirmation{State: StateFailed, Reason: out.Reason}, nil
	default:
		return Confirmation{}, fmt.Errorf("gateway poll: unknown status %q", out.Status)
	}
}
