package llamacpp

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

type tokenizeRequest struct {
	Content    string `json:"content"`
	AddSpecial bool   `json:"add_special"`
}

type tokenizeResponse struct {
	Tokens []int32 `json:"tokens"`
}

type completionRequest struct {
	Prompt       []int32  `json:"prompt"`
	NPredict     int      `json:"n_predict"`
	CachePrompt  bool     `json:"cache_prompt"`
	IDSlot       int      `json:"id_slot"`
	Temperature  float64  `json:"temperature"`
	Stop         []string `json:"stop,omitempty"`
	ReturnTokens bool     `json:"return_tokens"`
	Stream       bool     `json:"stream"`
}

type completionResponse struct {
	Content         string  `json:"content"`
	Tokens          []int32 `json:"tokens"`
	IDSlot          int     `json:"id_slot"`
	Stop            bool    `json:"stop"`
	TokensEvaluated int     `json:"tokens_evaluated"`
	TokensCached    int     `json:"tokens_cached"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ClientConfig tunes the HTTP client talking to llama-server.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// newRestyClient builds a resty client whose transport retries connection
// errors and 5xx answers. After the last attempt the server's response is
// handed back unchanged so its error body can be reported.
func newRestyClient(cfg ClientConfig) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = nil

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := resty.New()
	client.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "kvtavern/1.0").
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	client.SetTransport(retryClient.StandardClient().Transport)
	return client
}
