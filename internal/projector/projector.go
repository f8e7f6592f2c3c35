// Package projector implements spec.md §4.1: translating provider updates
// into turn envelopes on the way in, and turn envelopes into one or more
// outbound provider requests on the way out. The Telegram field shapes here
// are grounded in the teacher's own usage of github.com/mymmrac/telego
// (internal/channels/telegram/{handlers,media,channel}.go) — telego's own
// source is not present in this environment to read directly.
package projector

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"

	"github.com/arcthur/brewva/internal/approvalstore"
	"github.com/arcthur/brewva/internal/callback"
	"github.com/arcthur/brewva/internal/turn"
)

// InboundOptions configures ProjectUpdate.
type InboundOptions struct {
	Channel          string
	AllowBotMessages bool
	CallbackSecret   string
	CallbackContext  string
	ResolveApproval  func(conversationID, requestID string) (approvalstore.Snapshot, bool)
}

// ProjectUpdate implements spec.md §4.1.1: translate a single provider
// update into a turn envelope plus its dedupe key, or (nil, "") if the
// update carries nothing worth turning into a turn.
func ProjectUpdate(update telego.Update, opts InboundOptions) (*turn.Envelope, string) {
	if update.CallbackQuery != nil {
		return projectCallback(update.CallbackQuery, update.UpdateID, opts)
	}
	if update.Message != nil {
		return projectMessage(update.Message, update.UpdateID, opts, false)
	}
	if update.EditedMessage != nil {
		return projectMessage(update.EditedMessage, update.UpdateID, opts, true)
	}
	return nil, ""
}

func projectCallback(cb *telego.CallbackQuery, updateID int, opts InboundOptions) (*turn.Envelope, string) {
	payload, err := callback.Decode(cb.Data, opts.CallbackSecret, opts.CallbackContext)
	if err != nil {
		return nil, ""
	}

	conversationID := ""
	threadID := ""
	if cb.Message != nil {
		conversationID = fmt.Sprintf("%d", cb.Message.Chat.ID)
		if cb.Message.MessageThreadID != 0 {
			threadID = fmt.Sprintf("%d", cb.Message.MessageThreadID)
		}
	}

	text := turn.ApprovalActionText(payload.RequestID, payload.ActionID)

	env := &turn.Envelope{
		Schema:         turn.EnvelopeSchema,
		Kind:           turn.KindApproval,
		TurnID:         fmt.Sprintf("tg:callback:%s", cb.ID),
		Channel:        opts.Channel,
		ConversationID: conversationID,
		ThreadID:       threadID,
		TimestampMs:    time.Now().UnixMilli(),
	}
	env.SetMeta("updateId", fmt.Sprintf("%d", updateID))
	env.SetMeta("callbackQueryId", cb.ID)
	env.SetMeta("approvalRequestId", payload.RequestID)
	env.SetMeta("decisionActionId", payload.ActionID)
	if cb.From != nil {
		env.SetMeta("senderId", fmt.Sprintf("%d", cb.From.ID))
		env.SetMeta("senderUsername", cb.From.Username)
	}

	if opts.ResolveApproval != nil {
		if snap, ok := opts.ResolveApproval(conversationID, payload.RequestID); ok {
			env.SetMeta("approvalScreenId", snap.ScreenID)
			env.SetMeta("approvalStateKey", snap.StateKey)
			stateText := renderStateForDisplay(snap.State)
			env.SetMeta("approvalState", stateText)
			text += fmt.Sprintf("\nscreen: %s\nstate_key: %s\nstate: %s", snap.ScreenID, snap.StateKey, stateText)
		}
	}

	env.Parts = []turn.Part{{Type: turn.PartText, Text: text}}
	dedupeKey := fmt.Sprintf("%s:callback:%s", opts.Channel, cb.ID)
	return env, dedupeKey
}

func renderStateForDisplay(state map[string]any) string {
	if state == nil {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{")
	first := true
	for k, v := range state {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s: %v", k, v)
	}
	b.WriteString("}")
	out := b.String()
	const maxLen = 500
	if len(out) > maxLen {
		out = out[:maxLen] + "…"
	}
	return out
}

func projectMessage(msg *telego.Message, updateID int, opts InboundOptions, edited bool) (*turn.Envelope, string) {
	if msg == nil {
		return nil, ""
	}
	if msg.From != nil && msg.From.IsBot && !opts.AllowBotMessages {
		return nil, ""
	}

	conversationID := fmt.Sprintf("%d", msg.Chat.ID)
	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = fmt.Sprintf("%d", msg.MessageThreadID)
	}

	var parts []turn.Part

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text != "" {
		parts = append(parts, turn.Part{Type: turn.PartText, Text: text})
	}

	if len(msg.Photo) > 0 {
		best := largestPhoto(msg.Photo)
		parts = append(parts, turn.Part{
			Type: turn.PartImage,
			URI:  "telegram:file:" + best.FileID,
			Mime: "image/jpeg",
		})
	}
	if msg.Document != nil {
		parts = append(parts, turn.Part{
			Type: turn.PartFile,
			URI:  "telegram:file:" + msg.Document.FileID,
			Mime: orDefault(msg.Document.MimeType, "application/octet-stream"),
			Name: msg.Document.FileName,
		})
	}
	if msg.Video != nil {
		parts = append(parts, turn.Part{
			Type: turn.PartFile,
			URI:  "telegram:file:" + msg.Video.FileID,
			Mime: orDefault(msg.Video.MimeType, "video/mp4"),
		})
	}
	if msg.Audio != nil {
		parts = append(parts, turn.Part{
			Type: turn.PartFile,
			URI:  "telegram:file:" + msg.Audio.FileID,
			Mime: orDefault(msg.Audio.MimeType, "audio/mpeg"),
			Name: msg.Audio.FileName,
		})
	}
	if msg.Voice != nil {
		parts = append(parts, turn.Part{
			Type: turn.PartFile,
			URI:  "telegram:file:" + msg.Voice.FileID,
			Mime: orDefault(msg.Voice.MimeType, "audio/ogg"),
		})
	}

	if len(parts) == 0 {
		return nil, ""
	}

	turnID := fmt.Sprintf("tg:message:%s:%d", conversationID, msg.MessageID)
	dedupeKey := fmt.Sprintf("%s:%s:%d", opts.Channel, conversationID, msg.MessageID)
	if edited {
		turnID = fmt.Sprintf("tg:edited:%s:%d", conversationID, msg.MessageID)
		dedupeKey = fmt.Sprintf("%s:%s:edit:%d:%d", opts.Channel, conversationID, msg.MessageID, updateID)
	}

	ts := time.Now().UnixMilli()
	if msg.Date > 0 {
		ts = int64(msg.Date) * 1000
	}

	env := &turn.Envelope{
		Schema:         turn.EnvelopeSchema,
		Kind:           turn.KindUser,
		TurnID:         turnID,
		Channel:        opts.Channel,
		ConversationID: conversationID,
		ThreadID:       threadID,
		MessageID:      fmt.Sprintf("%d", msg.MessageID),
		TimestampMs:    ts,
		Parts:          parts,
	}
	env.SetMeta("updateId", fmt.Sprintf("%d", updateID))
	if msg.From != nil {
		env.SetMeta("senderId", fmt.Sprintf("%d", msg.From.ID))
		env.SetMeta("senderUsername", msg.From.Username)
	}

	return env, dedupeKey
}

func largestPhoto(photos []telego.PhotoSize) telego.PhotoSize {
	best := photos[0]
	bestScore := photoScore(best)
	for _, p := range photos[1:] {
		if score := photoScore(p); score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

func photoScore(p telego.PhotoSize) int64 {
	if p.FileSize > 0 {
		return int64(p.FileSize)
	}
	return int64(p.Width) * int64(p.Height)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// OutboundKind discriminates the provider send call an OutboundRequest maps
// onto.
type OutboundKind string

const (
	KindSendMessage  OutboundKind = "sendMessage"
	KindSendPhoto    OutboundKind = "sendPhoto"
	KindSendDocument OutboundKind = "sendDocument"
)

// InlineButton is one button of a rendered approval's inline keyboard.
type InlineButton struct {
	Text         string
	CallbackData string
}

// InlineKeyboard is the button grid rendered for an approval turn.
type InlineKeyboard struct {
	Rows [][]InlineButton
}

// OutboundRequest is one provider send call produced by RenderTurn.
type OutboundRequest struct {
	Kind            OutboundKind
	ConversationID  string
	MessageThreadID int
	Text            string
	MediaURI        string
	MediaMime       string
	MediaName       string
	ReplyMarkup     *InlineKeyboard
}

// OutboundOptions configures RenderTurn.
type OutboundOptions struct {
	MaxTextLength          int
	InlineApprovalsEnabled bool
	CallbackSecret         string
	CallbackContext        string
	PersistApprovalState   func(conversationID, requestID string, snapshot approvalstore.Snapshot) (stateKey string, err error)
}

// RenderTurn implements spec.md §4.1.2: translate a turn envelope into the
// ordered list of provider send requests needed to deliver it.
func RenderTurn(t turn.Envelope, opts OutboundOptions) []OutboundRequest {
	threadID := 0
	if t.ThreadID != "" && t.ThreadID != "root" {
		if v, err := strconv.Atoi(t.ThreadID); err == nil {
			threadID = v
		}
	}
	maxLen := opts.MaxTextLength
	if maxLen <= 0 {
		maxLen = defaultMaxTextLength
	}

	var proj *projection
	var textChunks []string
	for _, part := range t.Parts {
		if part.Type != turn.PartText {
			continue
		}
		text := part.Text
		if t.Kind == turn.KindAssistant {
			var extracted *projection
			text, extracted = extractInteractiveUI(text)
			if extracted != nil {
				proj = extracted
			}
		}
		if strings.TrimSpace(text) != "" {
			textChunks = append(textChunks, splitText(text, maxLen)...)
		}
	}

	var approvalMarkup *InlineKeyboard
	if proj != nil {
		if opts.InlineApprovalsEnabled && opts.CallbackSecret != "" {
			markup, err := buildInlineKeyboard(proj, opts.CallbackSecret, opts.CallbackContext)
			if err != nil {
				fallback := proj.Title
				if t.MetaString("respondingToApproval") != "true" {
					fallback += "\n(action buttons could not be re-rendered for this approval)"
				}
				textChunks = append(textChunks, splitText(fallback, maxLen)...)
			} else {
				approvalMarkup = markup
				if opts.PersistApprovalState != nil {
					snap := approvalstore.Snapshot{ScreenID: proj.ScreenID, State: proj.State}
					_, _ = opts.PersistApprovalState(t.ConversationID, proj.RequestID, snap)
				}
				if len(textChunks) == 0 {
					textChunks = append(textChunks, splitText(proj.Title, maxLen)...)
				}
			}
		} else {
			textChunks = append(textChunks, splitText(proj.Title, maxLen)...)
		}
	}

	var requests []OutboundRequest
	for i, chunk := range textChunks {
		req := OutboundRequest{
			Kind:            KindSendMessage,
			ConversationID:  t.ConversationID,
			MessageThreadID: threadID,
			Text:            chunk,
		}
		if i == 0 && approvalMarkup != nil {
			req.ReplyMarkup = approvalMarkup
		}
		requests = append(requests, req)
	}

	for _, part := range t.Parts {
		switch part.Type {
		case turn.PartImage:
			requests = append(requests, OutboundRequest{
				Kind:            KindSendPhoto,
				ConversationID:  t.ConversationID,
				MessageThreadID: threadID,
				MediaURI:        part.URI,
				MediaMime:       part.Mime,
				MediaName:       part.Name,
			})
		case turn.PartFile:
			requests = append(requests, OutboundRequest{
				Kind:            KindSendDocument,
				ConversationID:  t.ConversationID,
				MessageThreadID: threadID,
				MediaURI:        part.URI,
				MediaMime:       part.Mime,
				MediaName:       part.Name,
			})
		}
	}

	return requests
}

func buildInlineKeyboard(p *projection, secret, context string) (*InlineKeyboard, error) {
	kb := &InlineKeyboard{}
	for _, row := range p.Rows {
		var buttons []InlineButton
		for _, a := range row {
			token, err := callback.Encode(callback.Payload{RequestID: p.RequestID, ActionID: a.ID}, secret, context)
			if err != nil {
				return nil, err
			}
			buttons = append(buttons, InlineButton{Text: a.Label, CallbackData: token})
		}
		kb.Rows = append(kb.Rows, buttons)
	}
	return kb, nil
}
