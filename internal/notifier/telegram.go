// Package notifier delivers match notifications through the Telegram Bot API.
package notifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/metrics"
	"github.com/tdalverme/umbral/internal/retry"
)

const maxMessageLength = 4096

var ErrMissingChatID = errors.New("notifier: user has no chat id")

type Config struct {
	BotToken          string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Retry             retry.Policy
}

// APIError is an unsuccessful Bot API reply.
type APIError struct {
	StatusCode  int
	Description string
	Wait        time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %d: %s", e.StatusCode, e.Description)
}

func (e *APIError) HTTPStatusCode() int       { return e.StatusCode }
func (e *APIError) RetryAfter() time.Duration { return e.Wait }

type Telegram struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewTelegram(cfg Config, log zerolog.Logger) (*Telegram, error) {
	parts := strings.Split(cfg.BotToken, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, errors.New("notifier: invalid telegram bot token format")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Default()
	}
	// Telegram allows about 30 messages per second per bot.
	limit := rate.Limit(25)
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With().Str("component", "notifier").Logger(),
	}, nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                string       `json:"chat_id"`
	Text                  string       `json:"text"`
	ParseMode             string       `json:"parse_mode"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send delivers n. It reports true only when Telegram confirmed delivery.
func (t *Telegram) Send(ctx context.Context, n domain.Notification) (bool, error) {
	if strings.TrimSpace(n.ChatID) == "" {
		return false, ErrMissingChatID
	}
	payload := buildMessage(n)

	err := retry.Do(ctx, t.cfg.Retry, func(ctx context.Context) error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		start := time.Now()
		err := t.sendOnce(ctx, payload)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.ObserveProvider("telegram", "send_message", status, start)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Telegram) sendOnce(ctx context.Context, payload sendMessageRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return t.redact(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return t.redact(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	var api apiResponse
	if err := json.Unmarshal(raw, &api); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Description: "unparseable response"}
	}
	if api.OK {
		return nil
	}
	apiErr := &APIError{StatusCode: api.ErrorCode, Description: api.Description}
	if apiErr.StatusCode == 0 {
		apiErr.StatusCode = resp.StatusCode
	}
	if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
		apiErr.Wait = time.Duration(api.Parameters.RetryAfter) * time.Second
	}
	return apiErr
}

// redact strips the bot token from the URL carried by transport errors.
func (t *Telegram) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, t.cfg.BotToken, "<token>")
	}
	return err
}

var highlightEmoji = map[string]string{
	"luminosity":      "☀️",
	"quietness":       "🤫",
	"connectivity":    "🚇",
	"wfh_suitability": "💻",
	"green_spaces":    "🌳",
	"modernity":       "✨",
}

// genericRationale stands in when a match was not personalized.
const genericRationale = "Propiedad compatible con tu perfil. Revisá la publicación para confirmar detalles."

// Plain-text field limits, applied before HTML escaping.
const (
	maxTitleRunes     = 200
	maxSummaryRunes   = 600
	maxRationaleRunes = 1200
	maxTagRunes       = 40
)

// buildMessage renders n as an HTML Bot API message with feedback buttons.
// Fields are shortened as plain text so the rendered HTML is never cut
// inside a tag or entity.
func buildMessage(n domain.Notification) sendMessageRequest {
	summary := truncateRunes(strings.TrimSpace(n.Summary), maxSummaryRunes)
	rationale := strings.TrimSpace(n.Rationale)
	if rationale == "" {
		rationale = genericRationale
	}
	rationale = truncateRunes(rationale, maxRationaleRunes)

	text := renderText(n, summary, rationale)
	for utf8.RuneCountInString(text) > maxMessageLength {
		if summary != "" {
			summary = ""
		} else {
			rationale = truncateRunes(rationale, utf8.RuneCountInString(rationale)/2)
		}
		text = renderText(n, summary, rationale)
	}

	markup := &replyMarkup{InlineKeyboard: [][]inlineButton{{
		{Text: "👍 Me interesa", CallbackData: "like_" + n.ListingID},
		{Text: "👎 No es lo que busco", CallbackData: "dislike_" + n.ListingID},
	}}}
	if n.URL != "" {
		markup.InlineKeyboard = append(markup.InlineKeyboard, []inlineButton{{Text: "🔗 Ver publicación", URL: n.URL}})
	}

	return sendMessageRequest{
		ChatID:      n.ChatID,
		Text:        text,
		ParseMode:   "HTML",
		ReplyMarkup: markup,
	}
}

func renderText(n domain.Notification, summary, rationale string) string {
	var emojis []string
	for _, h := range n.Highlights {
		if e, ok := highlightEmoji[h]; ok {
			emojis = append(emojis, e)
		}
	}

	var b strings.Builder
	b.WriteString("🏠 <b>Nueva propiedad encontrada</b>")
	if len(emojis) > 0 {
		b.WriteString(" " + strings.Join(emojis, " "))
	}
	b.WriteString("\n\n")

	area := truncateRunes(n.Area, maxTagRunes)
	if area == "" {
		area = "CABA"
	}
	rooms := "?"
	if n.Rooms > 0 {
		rooms = strconv.Itoa(n.Rooms)
	}
	fmt.Fprintf(&b, "📍 <b>%s</b> • %s amb.\n", escapeHTML(area), rooms)
	if n.PriceText != "" {
		fmt.Fprintf(&b, "💰 %s\n", escapeHTML(truncateRunes(n.PriceText, maxTagRunes)))
	}
	if n.Title != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>\n", escapeHTML(truncateRunes(n.Title, maxTitleRunes)))
	}
	if summary != "" {
		fmt.Fprintf(&b, "\n%s\n", escapeHTML(summary))
	}
	fmt.Fprintf(&b, "\n📝 %s\n", escapeHTML(rationale))
	if len(n.Tags) > 0 {
		tags := append([]string(nil), n.Tags...)
		if len(tags) > 3 {
			tags = tags[:3]
		}
		for i := range tags {
			tags[i] = "#" + escapeHTML(strings.ReplaceAll(truncateRunes(tags[i], maxTagRunes), " ", "_"))
		}
		b.WriteString("\n" + strings.Join(tags, " • ") + "\n")
	}
	fmt.Fprintf(&b, "\n🎯 Match: <b>%d%%</b>", int(n.Score*100))
	return b.String()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return strings.TrimSpace(string(r[:max-1])) + "…"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
