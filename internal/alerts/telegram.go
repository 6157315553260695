// Package alerts pushes trade notifications to Telegram.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pionex-spot-bot/internal/config"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}

// NotifyEntry sends an opened-position alert. Failures are logged, not
// propagated; alerting must never interrupt trading.
func (t *Telegram) NotifyEntry(ctx context.Context, symbol string, qty, price, stopLoss, takeProfit float64) {
	msg := fmt.Sprintf("ENTRY %s qty=%.8g @ %.8g SL=%.8g TP=%.8g",
		symbol, qty, price, stopLoss, takeProfit)
	t.sendLogged(ctx, msg)
}

// NotifyExit sends a closed-position alert with realized PnL.
func (t *Telegram) NotifyExit(ctx context.Context, symbol, reason string, qty, price, pnl, pnlPercent float64) {
	msg := fmt.Sprintf("EXIT %s (%s) qty=%.8g @ %.8g pnl=%.4f USDT (%.2f%%)",
		symbol, reason, qty, price, pnl, pnlPercent)
	t.sendLogged(ctx, msg)
}

// NotifyHalt sends a risk-guard alert.
func (t *Telegram) NotifyHalt(ctx context.Context, reason string) {
	t.sendLogged(ctx, "TRADING HALTED: "+reason)
}

// NotifyFatal sends a worker-stop alert.
func (t *Telegram) NotifyFatal(ctx context.Context, symbol string, err error) {
	t.sendLogged(ctx, fmt.Sprintf("WORKER STOPPED %s: %v", symbol, err))
}

func (t *Telegram) sendLogged(ctx context.Context, msg string) {
	if !t.enabled {
		return
	}
	if err := t.Send(ctx, msg); err != nil && t.log != nil {
		t.log.Warn("telegram alert failed", zap.Error(err))
	}
}
