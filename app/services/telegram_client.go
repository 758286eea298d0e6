package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/amirphl/Kusanagi/config"
)

// TelegramClient calls the Bot API
type TelegramClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewTelegramClient(cfg config.TelegramConfig) *TelegramClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramClient{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.BotToken,
		client:  &http.Client{Timeout: timeout},
	}
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// Call invokes method with a JSON body and decodes result into out
func (c *TelegramClient) Call(ctx context.Context, method string, payload any, out any) error {
	if c.token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: telegram %s: %v", ErrProviderUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: telegram %s returned http %d", ErrProviderUnavailable, method, resp.StatusCode)
	}

	var tr telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("telegram %s decode: %w", method, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram %s failed (%d): %s", method, tr.ErrorCode, tr.Description)
	}
	if out == nil || len(tr.Result) == 0 {
		return nil
	}
	return json.Unmarshal(tr.Result, out)
}
