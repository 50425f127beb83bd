package outlook

import (
	"strings"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/mailtext"
)

// normalize converts a Graph message to canonical form
func normalize(m models.Messageable) domain.CanonicalMessage {
	var msg domain.CanonicalMessage

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = strings.TrimSpace(*subject)
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = rcvd.UTC()
	}

	if from := m.GetFrom(); from != nil {
		if ea := from.GetEmailAddress(); ea != nil {
			if name := ea.GetName(); name != nil {
				msg.SenderName = strings.TrimSpace(*name)
			}
			if addr := ea.GetAddress(); addr != nil && strings.Contains(*addr, "@") {
				a := strings.TrimSpace(*addr)
				msg.SenderAddress = &a
				if msg.SenderName == "" {
					msg.SenderName = a
				}
			}
		}
	}

	msg.Body = bodyText(m)
	return msg
}

func bodyText(m models.Messageable) string {
	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil && strings.TrimSpace(*content) != "" {
			if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
				return mailtext.HTMLToText(*content)
			}
			return mailtext.Normalize(*content)
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		return mailtext.Normalize(*preview)
	}
	return ""
}
