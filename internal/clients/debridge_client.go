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

// DeBridgeClient deBridge DLN API client, used as a quote fallback when LiFi
// has no route for a pair.
type DeBridgeClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDeBridgeClient creates a new deBridge client
func NewDeBridgeClient(baseURL string) *DeBridgeClient {
	if baseURL == "" {
		baseURL = "https://api.dln.trade/v1.0"
	}
	return &DeBridgeClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// DeBridgeQuoteRequest represents deBridge quote request
type DeBridgeQuoteRequest struct {
	SrcChainId                string `json:"srcChainId"`
	SrcChainTokenIn           string `json:"srcChainTokenIn"`
	SrcChainTokenInAmount     string `json:"srcChainTokenInAmount"`
	DstChainId                string `json:"dstChainId"`
	DstChainTokenOut          string `json:"dstChainTokenOut"`
	DstChainTokenOutRecipient string `json:"dstChainTokenOutRecipient,omitempty"`
}

// DeBridgeQuoteResponse represents deBridge quote response
type DeBridgeQuoteResponse struct {
	Estimation struct {
		SrcChainTokenIn struct {
			Address  string `json:"address"`
			Symbol   string `json:"symbol"`
			Decimals int    `json:"decimals"`
			Amount   string `json:"amount"`
		} `json:"srcChainTokenIn"`
		DstChainTokenOut struct {
			Address  string `json:"address"`
			Symbol   string `json:"symbol"`
			Decimals int    `json:"decimals"`
			Amount   string `json:"amount"`
		} `json:"dstChainTokenOut"`
		DstChainTokenOutMin struct {
			Amount string `json:"amount"`
		} `json:"dstChainTokenOutMin,omitempty"`
		RecommendedSlippage float64 `json:"recommendedSlippage"`
	} `json:"estimation"`
	Tx struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
	} `json:"tx"`
	Order struct {
		ApproximateFulfillmentDelay int `json:"approximateFulfillmentDelay"` // seconds
	} `json:"order"`
}

// GetQuote gets a quote from deBridge
func (c *DeBridgeClient) GetQuote(ctx context.Context, req *DeBridgeQuoteRequest) (*DeBridgeQuoteResponse, error) {
	params := url.Values{}
	params.Add("srcChainId", req.SrcChainId)
	params.Add("srcChainTokenIn", req.SrcChainTokenIn)
	params.Add("srcChainTokenInAmount", req.SrcChainTokenInAmount)
	params.Add("dstChainId", req.DstChainId)
	params.Add("dstChainTokenOut", req.DstChainTokenOut)
	if req.DstChainTokenOutRecipient != "" {
		params.Add("dstChainTokenOutRecipient", req.DstChainTokenOutRecipient)
	}

	reqURL := fmt.Sprintf("%s/dln/order/quote?%s", c.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("deBridge API error (status %d): %s", resp.StatusCode, string(body))
	}

	var quoteResp DeBridgeQuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&quoteResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &quoteResp, nil
}
