package pesapal

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultTimeout = 8 * time.Second
	// tokenSlack refreshes the bearer token slightly before the gateway's
	// stated expiry so in-flight calls never race the cutoff.
	tokenSlack = 30 * time.Second
)

// ClientConfig holds PesaPal API credentials and endpoints.
type ClientConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
}

// Client calls the PesaPal v3 API over HTTP. It caches the auth token and
// refreshes it transparently when expired.
type Client struct {
	cfg  ClientConfig
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

var _ API = (*Client)(nil)

// NewClient constructs a PesaPal client.
func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// authToken returns a valid bearer token, requesting a fresh one when the
// cached token is absent or near expiry.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp.Add(-tokenSlack)) {
		return c.token, nil
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("consumer_key", func(e *jx.Encoder) { e.Str(c.cfg.ConsumerKey) })
		e.Field("consumer_secret", func(e *jx.Encoder) { e.Str(c.cfg.ConsumerSecret) })
	})

	body, err := c.post(ctx, "/api/Auth/RequestToken", "", e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "request token")
	}

	var token, expiry string
	if err := decodeObj(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "token":
			token, err = d.Str()
			return err
		case "expiryDate":
			expiry, err = d.Str()
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return "", errors.Wrap(err, "decode token response")
	}
	if token == "" {
		return "", errors.Wrap(ErrGateway, "empty auth token")
	}

	exp, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		// Tokens are valid for 5 minutes; fall back to that when the expiry
		// field is missing or malformed.
		exp = time.Now().Add(5 * time.Minute)
	}

	c.token = token
	c.tokenExp = exp
	return token, nil
}

// RegisterIPN registers the given callback URL for payment notifications and
// returns the notification id to attach to order submissions.
func (c *Client) RegisterIPN(ctx context.Context, callbackURL string) (string, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return "", err
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("url", func(e *jx.Encoder) { e.Str(callbackURL) })
		e.Field("ipn_notification_type", func(e *jx.Encoder) { e.Str("POST") })
	})

	body, err := c.post(ctx, "/api/URLSetup/RegisterIPN", token, e.Bytes())
	if err != nil {
		return "", errors.Wrap(err, "register ipn")
	}

	var ipnID string
	if err := decodeObj(body, func(d *jx.Decoder, key string) error {
		if key == "ipn_id" {
			ipnID, err = d.Str()
			return err
		}
		return d.Skip()
	}); err != nil {
		return "", errors.Wrap(err, "decode ipn response")
	}
	if ipnID == "" {
		return "", errors.Wrap(ErrGateway, "no ipn id returned")
	}
	return ipnID, nil
}

// SubmitOrder submits a payment request and returns the redirect URL for the
// customer and the tracking id for later status queries.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	amount := decimal.NewFromInt(req.Amount)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(req.MerchantReference) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(req.Currency) })
		e.Field("amount", func(e *jx.Encoder) { e.Num(jx.Num(amount.String())) })
		e.Field("description", func(e *jx.Encoder) { e.Str(req.Description) })
		e.Field("callback_url", func(e *jx.Encoder) { e.Str(req.CallbackURL) })
		e.Field("notification_id", func(e *jx.Encoder) { e.Str(req.NotificationID) })
		e.Field("billing_address", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("email_address", func(e *jx.Encoder) { e.Str(req.CustomerEmail) })
				e.Field("phone_number", func(e *jx.Encoder) { e.Str(req.CustomerPhone) })
			})
		})
	})

	body, err := c.post(ctx, "/api/Transactions/SubmitOrderRequest", token, e.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "submit order")
	}

	var res SubmitResult
	if err := decodeObj(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "redirect_url":
			res.RedirectURL, err = d.Str()
			return err
		case "order_tracking_id":
			res.TrackingID, err = d.Str()
			return err
		case "error":
			return decodeGatewayError(d)
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode submit response")
	}
	if res.RedirectURL == "" || res.TrackingID == "" {
		return nil, errors.Wrap(ErrGateway, "incomplete submit response")
	}
	return &res, nil
}

// GetTransactionStatus queries the authoritative status of a transaction.
// Webhook handlers must call this instead of trusting callback payloads.
func (c *Client) GetTransactionStatus(ctx context.Context, trackingID string) (*StatusResult, error) {
	token, err := c.authToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "get transaction status")
	}

	var res StatusResult
	if err := decodeObj(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "payment_status_description":
			s, err := d.Str()
			if err != nil {
				return err
			}
			res.Status = TransactionStatus(strings.ToUpper(s))
			return nil
		case "confirmation_code":
			res.ConfirmationCode, err = d.Str()
			return err
		case "payment_method":
			res.PaymentMethod, err = d.Str()
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "decode status response")
	}
	return &res, nil
}

// Refund asks the gateway to return money for a settled transaction.
func (c *Client) Refund(ctx context.Context, req RefundRequest) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}

	amount := decimal.NewFromInt(req.Amount)

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("confirmation_code", func(e *jx.Encoder) { e.Str(req.ConfirmationCode) })
		e.Field("amount", func(e *jx.Encoder) { e.Num(jx.Num(amount.String())) })
		e.Field("username", func(e *jx.Encoder) { e.Str(req.Username) })
		e.Field("remarks", func(e *jx.Encoder) { e.Str(req.Reason) })
	})

	body, err := c.post(ctx, "/api/Transactions/RefundRequest", token, e.Bytes())
	if err != nil {
		return errors.Wrap(err, "refund request")
	}

	var status, message string
	if err := decodeObj(body, func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			status, err = d.Str()
			return err
		case "message":
			message, err = d.Str()
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return errors.Wrap(err, "decode refund response")
	}
	if status != "200" {
		return errors.Wrapf(ErrGateway, "refund rejected: %s", message)
	}
	return nil
}

// post sends a JSON body and returns the raw response body.
func (c *Client) post(ctx context.Context, path, token string, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Wrapf(ErrGateway, "status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// decodeObj iterates the top-level object of a JSON body.
func decodeObj(body []byte, fn func(d *jx.Decoder, key string) error) error {
	d := jx.DecodeBytes(body)
	return d.Obj(fn)
}

// decodeGatewayError surfaces PesaPal's embedded error object, which arrives
// with a 200 status code.
func decodeGatewayError(d *jx.Decoder) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	var code, message string
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = d.Str()
			return err
		case "message":
			message, err = d.Str()
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return err
	}
	if code == "" && message == "" {
		return nil
	}
	return errors.Wrapf(ErrGateway, "%s: %s", code, message)
}
