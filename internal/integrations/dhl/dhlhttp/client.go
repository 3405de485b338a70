package dhlhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lentmiien/dhl-server-app/internal/integrations/dhl"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 30 * time.Second
	defaultBackoffBase    = 200 * time.Millisecond
)

// Client talks to the DHL emulator API. Every call is retried up to
// maxAttempts times with doubling backoff, but only for failures the
// taxonomy marks retryable (network, 429, 5xx).
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client

	maxAttempts    int
	attemptTimeout time.Duration
	backoffBase    time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		httpc:          &http.Client{},
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		backoffBase:    defaultBackoffBase,
		sleep:          sleepCtx,
	}
}

func (c *Client) WithRetry(maxAttempts int, attemptTimeout, backoffBase time.Duration) *Client {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if attemptTimeout > 0 {
		c.attemptTimeout = attemptTimeout
	}
	if backoffBase > 0 {
		c.backoffBase = backoffBase
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type addressPayload struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type validateResp struct {
	IsValid     bool             `json:"isValid"`
	Suggestions []addressPayload `json:"suggestions"`
}

type labelReqPayload struct {
	Recipient struct {
		Name       string `json:"name"`
		Street     string `json:"street"`
		City       string `json:"city"`
		PostalCode string `json:"postal_code"`
		Country    string `json:"country"`
		Phone      string `json:"phone,omitempty"`
	} `json:"recipient"`
	Package struct {
		Weight     float64 `json:"weight"`
		Dimensions struct {
			Length float64 `json:"length"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"dimensions"`
	} `json:"package"`
}

type labelResp struct {
	LabelID           string `json:"labelId"`
	TrackingNumber    string `json:"trackingNumber"`
	DHLRef            string `json:"dhl_ref"`
	LabelURL          string `json:"label_url"`
	EstimatedDelivery string `json:"estimated_delivery"`
	Cost              struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"cost"`
}

type trackResp struct {
	TrackingNumber string `json:"trackingNumber"`
	Status         string `json:"status"`
	Events         []struct {
		Timestamp   string `json:"timestamp"`
		Location    string `json:"location"`
		Description string `json:"description"`
	} `json:"events"`
}

type cancelResp struct {
	LabelID   string `json:"labelId"`
	Cancelled bool   `json:"cancelled"`
	Refund    struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"refund"`
}

func (c *Client) ValidateAddress(ctx context.Context, addr dhl.Address) (dhl.AddressCheck, error) {
	in := addressPayload{
		Street:     addr.Street,
		City:       addr.City,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
	var out validateResp
	if err := c.doJSON(ctx, http.MethodPost, "/addresses/validate", in, &out); err != nil {
		return dhl.AddressCheck{}, err
	}

	check := dhl.AddressCheck{Valid: out.IsValid}
	for _, s := range out.Suggestions {
		check.Suggestions = append(check.Suggestions, dhl.Address{
			Street:     s.Street,
			City:       s.City,
			PostalCode: s.PostalCode,
			Country:    s.Country,
		})
	}
	return check, nil
}

func (c *Client) CreateLabel(ctx context.Context, req dhl.LabelRequest) (dhl.LabelResult, error) {
	var in labelReqPayload
	in.Recipient.Name = req.Recipient.Name
	in.Recipient.Street = req.Recipient.Address.Street
	in.Recipient.City = req.Recipient.Address.City
	in.Recipient.PostalCode = req.Recipient.Address.PostalCode
	in.Recipient.Country = req.Recipient.Address.Country
	in.Recipient.Phone = req.Recipient.Phone
	in.Package.Weight = req.Package.Weight
	in.Package.Dimensions.Length = req.Package.Length
	in.Package.Dimensions.Width = req.Package.Width
	in.Package.Dimensions.Height = req.Package.Height

	var out labelResp
	if err := c.doJSON(ctx, http.MethodPost, "/labels", in, &out); err != nil {
		return dhl.LabelResult{}, err
	}

	res := dhl.LabelResult{
		DHLRef:         out.DHLRef,
		TrackingNumber: out.TrackingNumber,
		LabelURL:       out.LabelURL,
		CostCurrency:   out.Cost.Currency,
	}
	if res.DHLRef == "" {
		res.DHLRef = out.LabelID
	}
	if out.EstimatedDelivery != "" {
		if ts, err := time.Parse(time.RFC3339, out.EstimatedDelivery); err == nil {
			res.EstimatedDelivery = ts.UTC()
		}
	}
	amount, err := decimal.NewFromString(out.Cost.Amount)
	if err != nil {
		return dhl.LabelResult{}, errors.Wrap(err, "parse cost amount")
	}
	res.CostAmount = amount
	return res, nil
}

func (c *Client) GetLabel(ctx context.Context, dhlRef string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/labels/"+url.PathEscape(dhlRef))
}

func (c *Client) GetInvoice(ctx context.Context, dhlRef string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/labels/"+url.PathEscape(dhlRef)+"/invoice")
}

func (c *Client) TrackShipment(ctx context.Context, trackingNumber string) (dhl.TrackingInfo, error) {
	var out trackResp
	if err := c.doJSON(ctx, http.MethodGet, "/track/"+url.PathEscape(trackingNumber), nil, &out); err != nil {
		return dhl.TrackingInfo{}, err
	}

	info := dhl.TrackingInfo{
		TrackingNumber: out.TrackingNumber,
		Status:         out.Status,
	}
	for _, e := range out.Events {
		ev := dhl.TrackingEvent{Location: e.Location, Description: e.Description}
		if ts, err := time.Parse(time.RFC3339, e.Timestamp); err == nil {
			ev.Timestamp = ts.UTC()
		}
		info.Events = append(info.Events, ev)
	}
	return info, nil
}

func (c *Client) CancelLabel(ctx context.Context, dhlRef string) (dhl.CancelResult, error) {
	var out cancelResp
	if err := c.doJSON(ctx, http.MethodDelete, "/labels/"+url.PathEscape(dhlRef), nil, &out); err != nil {
		return dhl.CancelResult{}, err
	}

	res := dhl.CancelResult{Cancelled: out.Cancelled, RefundCurrency: out.Refund.Currency}
	if out.Refund.Amount != "" {
		amount, err := decimal.NewFromString(out.Refund.Amount)
		if err != nil {
			return dhl.CancelResult{}, errors.Wrap(err, "parse refund amount")
		}
		res.RefundAmount = amount
	}
	return res, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := c.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode dhl response")
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, path string) ([]byte, error) {
	return c.do(ctx, method, path, nil)
}

// do runs one logical call: up to maxAttempts attempts, doubling the
// pause between them, retrying only failures marked retryable.
func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var reqBody []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, errors.Wrap(err, "encode dhl request")
		}
		reqBody = b
	}

	delay := c.backoffBase
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		body, err := c.once(ctx, method, path, reqBody)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !dhl.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, reqBody []byte) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var rd io.Reader
	if reqBody != nil {
		rd = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DHL-API-Key", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, dhl.NetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, dhl.NetworkError(err)
	}

	if resp.StatusCode/100 != 2 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &e)
		return nil, dhl.Classify(resp.StatusCode, e.Message)
	}
	return body, nil
}

var _ dhl.Client = (*Client)(nil)

// String implements fmt.Stringer for log output without leaking the key.
func (c *Client) String() string {
	return fmt.Sprintf("dhlhttp.Client{baseURL: %s}", c.baseURL)
}
