package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Bridge transfer status values reported by the LiFi status API.
const (
	LiFiStatusNotFound = "NOT_FOUND"
	LiFiStatusInvalid  = "INVALID"
	LiFiStatusPending  = "PENDING"
	LiFiStatusDone     = "DONE"
	LiFiStatusFailed   = "FAILED"
)

// LiFiClient LiFi API client
type LiFiClient struct {
	baseURL    string
	apiKey     string
	integrator string
	httpClient *http.Client
}

// NewLiFiClient creates a new LiFi client
func NewLiFiClient(baseURL, apiKey, integrator string) *LiFiClient {
	if baseURL == "" {
		baseURL = "https://li.quest/v1"
	}
	return &LiFiClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		integrator: integrator,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// LiFiQuoteRequest represents LiFi quote request
type LiFiQuoteRequest struct {
	FromChain   string `json:"fromChain"`
	ToChain     string `json:"toChain"`
	FromToken   string `json:"fromToken"`
	ToToken     string `json:"toToken"`
	FromAmount  string `json:"fromAmount"`
	FromAddress string `json:"fromAddress,omitempty"`
	ToAddress   string `json:"toAddress,omitempty"`
	Slippage    string `json:"slippage,omitempty"`
}

// LiFiToken represents a token
type LiFiToken struct {
	Address  string `json:"address"`
	ChainId  int64  `json:"chainId"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
	PriceUSD string `json:"priceUSD"`
}

// LiFiTransactionRequest is the calldata the caller submits on the source chain.
type LiFiTransactionRequest struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	ChainId  int64  `json:"chainId"`
	GasLimit string `json:"gasLimit"`
}

// LiFiQuoteResponse represents LiFi quote response
type LiFiQuoteResponse struct {
	Type   string `json:"type"`
	Id     string `json:"id"`
	Tool   string `json:"tool"`
	Action struct {
		FromChainId int64     `json:"fromChainId"`
		ToChainId   int64     `json:"toChainId"`
		FromToken   LiFiToken `json:"fromToken"`
		ToToken     LiFiToken `json:"toToken"`
		FromAmount  string    `json:"fromAmount"`
	} `json:"action"`
	Estimate struct {
		Tool              string `json:"tool"`
		FromAmount        string `json:"fromAmount"`
		ToAmount          string `json:"toAmount"`
		ToAmountMin       string `json:"toAmountMin"`
		ApprovalAddress   string `json:"approvalAddress"`
		ExecutionDuration int    `json:"executionDuration"` // seconds
	} `json:"estimate"`
	TransactionRequest *LiFiTransactionRequest `json:"transactionRequest,omitempty"`
}

// GetQuote gets a quote from LiFi
func (c *LiFiClient) GetQuote(ctx context.Context, req *LiFiQuoteRequest) (*LiFiQuoteResponse, error) {
	params := url.Values{}
	params.Add("fromChain", req.FromChain)
	params.Add("toChain", req.ToChain)
	params.Add("fromToken", req.FromToken)
	params.Add("toToken", req.ToToken)
	params.Add("fromAmount", req.FromAmount)
	if req.FromAddress != "" {
		params.Add("fromAddress", req.FromAddress)
	}
	if req.ToAddress != "" {
		params.Add("toAddress", req.ToAddress)
	}
	if req.Slippage != "" {
		params.Add("slippage", req.Slippage)
	}
	if c.integrator != "" {
		params.Add("integrator", c.integrator)
	}

	var quoteResp LiFiQuoteResponse
	if err := c.get(ctx, fmt.Sprintf("%s/quote?%s", c.baseURL, params.Encode()), &quoteResp); err != nil {
		return nil, err
	}
	return &quoteResp, nil
}

// LiFiStatusResponse represents the status of a cross-chain transfer keyed by
// its source transaction hash.
type LiFiStatusResponse struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Tool      string `json:"tool"`
	Sending   struct {
		TxHash  string `json:"txHash"`
		ChainId int64  `json:"chainId"`
		Amount  string `json:"amount"`
	} `json:"sending"`
	Receiving struct {
		TxHash  string    `json:"txHash"`
		ChainId int64     `json:"chainId"`
		Amount  string    `json:"amount"`
		Token   LiFiToken `json:"token"`
	} `json:"receiving"`
}

// Done reports terminal success of the transfer.
func (s *LiFiStatusResponse) Done() bool {
	return s.Status == LiFiStatusDone
}

// Failed reports terminal failure; NOT_FOUND is transient, the indexer may
// simply not have seen the source transaction yet.
func (s *LiFiStatusResponse) Failed() bool {
	return s.Status == LiFiStatusFailed || s.Status == LiFiStatusInvalid
}

// GetStatus looks up the transfer backed by the given source tx hash.
func (c *LiFiClient) GetStatus(ctx context.Context, fromChain, toChain int64, txHash string) (*LiFiStatusResponse, error) {
	params := url.Values{}
	params.Add("txHash", txHash)
	if fromChain != 0 {
		params.Add("fromChain", fmt.Sprintf("%d", fromChain))
	}
	if toChain != 0 {
		params.Add("toChain", fmt.Sprintf("%d", toChain))
	}

	var statusResp LiFiStatusResponse
	if err := c.get(ctx, fmt.Sprintf("%s/status?%s", c.baseURL, params.Encode()), &statusResp); err != nil {
		return nil, err
	}
	return &statusResp, nil
}

func (c *LiFiClient) get(ctx context.Context, reqURL string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("LiFi API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
