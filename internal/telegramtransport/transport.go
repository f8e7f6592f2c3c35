// Package telegramtransport implements orchestrator.Transport against the
// real Telegram Bot API. Grounded on internal/channels/telegram/channel.go's
// *telego.Bot construction (token + optional proxy) and on commands.go's
// tu.ID/tu.Message send idiom, extended from plain text replies to the three
// OutboundKind shapes projector.RenderTurn produces (text, photo, document)
// plus a signed inline keyboard for approval turns.
package telegramtransport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/arcthur/brewva/internal/projector"
	"github.com/arcthur/brewva/internal/telemetry"
)

// Config is the subset of the channel's telegram config this transport
// needs to construct its bot client.
type Config struct {
	Token string
	Proxy string
}

// Transport sends rendered outbound requests via a live telego.Bot.
type Transport struct {
	bot *telego.Bot
}

// New constructs a Transport, dialing the Telegram Bot API with cfg.Token
// (and cfg.Proxy, if set).
func New(cfg Config) (*Transport, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Transport{bot: bot}, nil
}

// Bot exposes the underlying client for ingress wiring (long polling,
// menu-command sync) that needs the raw *telego.Bot rather than the
// narrowed Transport interface.
func (t *Transport) Bot() *telego.Bot {
	return t.bot
}

// Send implements orchestrator.Transport, mapping one OutboundRequest onto
// the matching telego send call.
func (t *Transport) Send(ctx context.Context, req projector.OutboundRequest) (err error) {
	ctx, span := telemetry.StartOutboundSpan(ctx, string(req.Kind), req.ConversationID)
	defer func() { telemetry.EndSpan(span, err) }()

	chatID := tu.ID(parseChatID(req.ConversationID))
	markup := buildReplyMarkup(req.ReplyMarkup)

	switch req.Kind {
	case projector.KindSendPhoto:
		msg := tu.Photo(chatID, tu.FileFromURL(req.MediaURI))
		msg.Caption = req.Text
		msg.MessageThreadID = req.MessageThreadID
		msg.ReplyMarkup = markup
		_, err := t.bot.SendPhoto(ctx, msg)
		return err

	case projector.KindSendDocument:
		msg := tu.Document(chatID, tu.FileFromURL(req.MediaURI))
		msg.Caption = req.Text
		msg.MessageThreadID = req.MessageThreadID
		msg.ReplyMarkup = markup
		_, err := t.bot.SendDocument(ctx, msg)
		return err

	default:
		msg := tu.Message(chatID, req.Text)
		msg.MessageThreadID = req.MessageThreadID
		msg.ReplyMarkup = markup
		_, err := t.bot.SendMessage(ctx, msg)
		return err
	}
}

func buildReplyMarkup(kb *projector.InlineKeyboard) *telego.InlineKeyboardMarkup {
	if kb == nil || len(kb.Rows) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(kb.Rows))
	for _, row := range kb.Rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, telego.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.CallbackData,
			})
		}
		rows = append(rows, buttons)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// parseChatID converts a string conversation id to telego's int64 chat id.
func parseChatID(conversationID string) int64 {
	var id int64
	_, _ = fmt.Sscanf(conversationID, "%d", &id)
	return id
}
