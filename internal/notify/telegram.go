package notify

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"orderkeeper/pkg/exception"
)

const (
	DefaultTelegramURL = "https://api.telegram.org"

	_telegramTimeout = 10 * time.Second
)

var _ist = time.FixedZone("IST", 5*3600+1800)

// TelegramConfig addresses a bot chat.
type TelegramConfig struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	BotToken string `yaml:"bot_token" json:"bot_token"`
	ChatID   string `yaml:"chat_id" json:"chat_id"`
}

// Enabled reports whether both bot token and chat id are set.
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// Telegram posts alerts to a chat through the Bot API.
type Telegram struct {
	client *http.Client
	cfg    TelegramConfig
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// NewTelegram builds a Telegram notifier.
func NewTelegram(client *http.Client, cfg TelegramConfig) (*Telegram, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: http client", exception.ErrNilInstance)
	}
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: telegram bot token and chat id are required", exception.ErrInvalidArgument)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Telegram{client: client, cfg: cfg}, nil
}

func (t *Telegram) Notify(ctx context.Context, alert Alert) error {
	payload, err := sonic.ConfigStd.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      format(alert),
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, _telegramTimeout)
	defer cancel()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/bot"+t.cfg.BotToken+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(r)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	var data telegramResponse
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&data); err != nil {
		return fmt.Errorf("telegram send: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !data.OK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, data.Description)
	}
	return nil
}

func format(alert Alert) string {
	icon := "ℹ️"
	switch alert.Level {
	case LevelCritical:
		icon = "🚨"
	case LevelWarn:
		icon = "⚠️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n\n", icon, html.EscapeString(strings.ToUpper(string(alert.Kind))))
	if alert.Key != "" {
		fmt.Fprintf(&b, "🔑 %s\n", html.EscapeString(alert.Key))
	}
	fmt.Fprintf(&b, "📝 %s\n", html.EscapeString(alert.Message))
	if !alert.At.IsZero() {
		fmt.Fprintf(&b, "⏰ %s", alert.At.In(_ist).Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
