package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is the REST client used by call participants. A 409 response still
// carries the authoritative row, which the client returns alongside
// ErrInvalidTransition so callers can converge instead of guessing.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, accessToken string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Transitions are idempotent server-side, so retrying on
			// transport errors and 5xx is safe.
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c}
}

func (c *Client) Initiate(ctx context.Context, expertID string) (Call, error) {
	var call Call
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"expert_id": expertID}).
		SetResult(&call).
		Post("/v1/calls")
	if err != nil {
		return Call{}, err
	}
	switch resp.StatusCode() {
	case http.StatusCreated:
		return call, nil
	case http.StatusConflict:
		return Call{}, ErrExpertUnavailable
	case http.StatusPaymentRequired:
		return Call{}, ErrInsufficientBalance
	default:
		return Call{}, fmt.Errorf("initiate call: unexpected status %d", resp.StatusCode())
	}
}

func (c *Client) Accept(ctx context.Context, callID string) (Call, error) {
	return c.transition(ctx, callID, "accept", nil)
}

func (c *Client) Reject(ctx context.Context, callID, reason string) (Call, error) {
	return c.transition(ctx, callID, "reject", map[string]string{"reason": reason})
}

func (c *Client) Connect(ctx context.Context, callID string) (Call, error) {
	return c.transition(ctx, callID, "connect", nil)
}

func (c *Client) End(ctx context.Context, callID, reason string) (Call, error) {
	return c.transition(ctx, callID, "end", map[string]string{"reason": reason})
}

func (c *Client) Heartbeat(ctx context.Context, callID string) (Call, error) {
	return c.transition(ctx, callID, "heartbeat", nil)
}

func (c *Client) Active(ctx context.Context) ([]Call, error) {
	var out struct {
		Calls []Call `json:"calls"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/calls/active")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("active calls: unexpected status %d", resp.StatusCode())
	}
	return out.Calls, nil
}

func (c *Client) transition(ctx context.Context, callID, action string, body any) (Call, error) {
	var call Call
	req := c.http.R().
		SetContext(ctx).
		SetResult(&call).
		SetPathParam("id", callID)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Put("/v1/calls/{id}/" + action)
	if err != nil {
		return Call{}, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return call, nil
	case http.StatusConflict:
		// Body holds the winning row.
		return call, ErrInvalidTransition
	case http.StatusNotFound:
		return Call{}, ErrNotFound
	case http.StatusForbidden:
		return Call{}, ErrForbidden
	default:
		return Call{}, fmt.Errorf("call %s: unexpected status %d", action, resp.StatusCode())
	}
}
