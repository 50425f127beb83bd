package gmail

import (
	"html"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/mailtext"
)

// sanitize converts a full-format Gmail message to canonical form
func (a *Adapter) sanitize(m *gmail.Message) domain.CanonicalMessage {
	var from, subject string
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				from = h.Value
			case "subject":
				subject = h.Value
			}
		}
	}

	name, addr := mailtext.ParseFrom(from)
	if addr == nil {
		a.log.Warn().Str("message_id", m.Id).Str("from", from).Msg("sender address missing")
	}

	return domain.CanonicalMessage{
		ID:            m.Id,
		ThreadID:      m.ThreadId,
		SenderName:    name,
		SenderAddress: addr,
		Subject:       mailtext.DecodeHeader(subject),
		Snippet:       html.UnescapeString(m.Snippet),
		Body:          extractBody(m.Payload),
		ReceivedAt:    time.UnixMilli(m.InternalDate).UTC(),
	}
}

// extractBody prefers the first text/plain part anywhere in the tree and
// falls back to the first text/html part rendered as text.
func extractBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if plain := findPart(p, "text/plain"); plain != "" {
		return mailtext.Normalize(plain)
	}
	if rich := findPart(p, "text/html"); rich != "" {
		return mailtext.Normalize(mailtext.HTMLToText(rich))
	}
	return ""
}

func findPart(p *gmail.MessagePart, mimeType string) string {
	if strings.EqualFold(p.MimeType, mimeType) && p.Body != nil && p.Body.Data != "" && p.Filename == "" {
		raw, err := mailtext.DecodeBase64URL(p.Body.Data)
		if err == nil {
			return mailtext.ToUTF8(raw, contentType(p))
		}
	}
	for _, child := range p.Parts {
		if s := findPart(child, mimeType); s != "" {
			return s
		}
	}
	return ""
}

func contentType(p *gmail.MessagePart) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			return h.Value
		}
	}
	return p.MimeType
}
