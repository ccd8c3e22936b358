package daraja

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// CodeProcessing is the error code Daraja returns from the STK query endpoint
// while the push is still awaiting the user's response. It arrives on an
// HTTP 500, not a 200, so the client maps it back to a normal query result.
const CodeProcessing = "500.001.1001"

// Client talks to the Daraja STK push and query endpoints. It holds the only
// copy of the shortcode/passkey credentials.
type Client struct {
	tokens *TokenService
	cfg    Config
	client *http.Client
}

// Config holds Daraja API configuration
type Config struct {
	ShortCode   string
	Passkey     string
	STKPushURL  string
	STKQueryURL string
	CallbackURL string
}

// NewClient creates a new Daraja client
func NewClient(tokens *TokenService, cfg Config) *Client {
	return &Client{
		tokens: tokens,
		cfg:    cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
	}
}

// stkPushRequest represents the Daraja STK push API request
type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// stkQueryRequest represents the Daraja STK query API request
type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// PushResult is the gateway's answer to an STK push initiation.
type PushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// QueryResult is the gateway's answer to an STK status query. ResultCode is
// kept raw; classification happens at the session layer.
type QueryResult struct {
	ResultCode        string
	ResultDescription string
}

// StillProcessing reports whether the gateway has not yet resolved the push.
func (q QueryResult) StillProcessing() bool {
	return q.ResultCode == CodeProcessing
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// credentials builds the timestamped password the gateway requires on both
// the push and query endpoints.
func (c *Client) credentials(now time.Time) (timestamp, password string) {
	timestamp = now.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp),
	)
	return timestamp, password
}

// STKPush asks the gateway to prompt the user's phone for payment approval.
// The phone must already be a normalized MSISDN.
func (c *Client) STKPush(ctx context.Context, phone string, amount decimal.Decimal, reference, description string) (*PushResult, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	timestamp, password := c.credentials(time.Now())

	stkReq := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.StringFixed(0), // No decimals for Safaricom
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  reference,
		TransactionDesc:   description,
	}

	respBody, status, err := c.post(ctx, c.cfg.STKPushURL, token, stkReq)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("STK push failed with status %d: %s", status, gatewayErrorMessage(respBody))
	}

	var stkResp stkPushResponse
	if err := json.Unmarshal(respBody, &stkResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal STK push response: %w", err)
	}

	if stkResp.ResponseCode != "0" {
		return nil, fmt.Errorf("STK push rejected: %s", stkResp.ResponseDescription)
	}

	return &PushResult{
		CheckoutRequestID: stkResp.CheckoutRequestID,
		MerchantRequestID: stkResp.MerchantRequestID,
		CustomerMessage:   stkResp.CustomerMessage,
	}, nil
}

// STKQuery asks the gateway for the current state of a push attempt. A
// still-in-flight push is reported as a QueryResult with CodeProcessing, not
// as an error; errors from this method are transport-level and retryable.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	timestamp, password := c.credentials(time.Now())

	queryReq := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	respBody, status, err := c.post(ctx, c.cfg.STKQueryURL, token, queryReq)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		// Daraja reports "transaction is being processed" as an HTTP error
		// with a well-known errorCode.
		var apiErr apiError
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.ErrorCode == CodeProcessing {
			return &QueryResult{
				ResultCode:        CodeProcessing,
				ResultDescription: apiErr.ErrorMessage,
			}, nil
		}
		return nil, fmt.Errorf("STK query failed with status %d: %s", status, gatewayErrorMessage(respBody))
	}

	var queryResp stkQueryResponse
	if err := json.Unmarshal(respBody, &queryResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal STK query response: %w", err)
	}

	return &QueryResult{
		ResultCode:        queryResp.ResultCode,
		ResultDescription: queryResp.ResultDesc,
	}, nil
}

// post sends an authenticated JSON request and returns the raw response body.
func (c *Client) post(ctx context.Context, url, token string, payload interface{}) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}

func gatewayErrorMessage(body []byte) string {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.ErrorMessage != "" {
		return apiErr.ErrorMessage
	}
	return string(body)
}
