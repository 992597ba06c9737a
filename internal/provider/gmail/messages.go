package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/linkbroker/linkbroker/internal/provider"
)

// gmailMessage is the subset of Gmail's message resource the adapter reads.
type gmailMessage struct {
	ID string `json:"id"`
	ThreadID string `json:"threadId"`
	LabelIds []string `json:"labelIds"`
	Snippet string `json:"snippet"`
	InternalDate string `json:"internalDate"` // epoch millis, as a string
	Payload struct {
		MimeType string `json:"mimeType"`
		Headers []struct {
			Name string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		Body struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *gmailMessage) decodedBody() *provider.MessageBody {
	var body provider.MessageBody

	decode := func(data string) string {
		b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
		if err != nil {
			return ""
		}
		return string(b)
	}

	if m.Payload.Body.Data != "" {
		text := decode(m.Payload.Body.Data)
		if m.Payload.MimeType == "text/html" {
			body.HTML = text
		} else {
			body.Text = text
		}
	}
	for _, part := range m.Payload.Parts {
		if part.Body.Data == "" {
			continue
		}
		switch part.MimeType {
		case "text/plain":
			body.Text = decode(part.Body.Data)
		case "text/html":
			body.HTML = decode(part.Body.Data)
		}
	}

	if body.Text == "" && body.HTML == "" {
		return nil
	}
	return &body
}

func parseParticipant(header string) provider.MessageParticipant {
	header = strings.TrimSpace(header)
	if i := strings.LastIndex(header, "<"); i >= 0 && strings.HasSuffix(header, ">") {
		name := strings.Trim(header[:i], " \"")
		email := header[i+1 : len(header)-1]
		return provider.MessageParticipant{Email: email, Name: name}
	}
	return provider.MessageParticipant{Email: header}
}

func parseParticipantList(header string) []provider.MessageParticipant {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]provider.MessageParticipant, 0, len(parts))
	for _, p := range parts {
		out = append(out, parseParticipant(p))
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// normalizeMessage converts a raw Gmail message into the broker's
// provider-agnostic shape.
func normalizeMessage(m *gmailMessage) *provider.NormalizedMessage {
	timestamp := ""
	if m.InternalDate != "" {
		// internalDate is epoch millis; parse leniently, default to zero value on failure.
		var ms int64
		for _, c := range m.InternalDate {
			if c < '0' || c > '9' {
				ms = 0
				break
			}
			ms = ms*10 + int64(c-'0')
		}
		if ms > 0 {
			timestamp = time.UnixMilli(ms).UTC().Format(time.RFC3339)
		}
	}

	return &provider.NormalizedMessage{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Provider:  Name,
		Subject:   m.header("Subject"),
		Snippet:   m.Snippet,
		Body:      m.decodedBody(),
		From:      parseParticipant(m.header("From")),
		To:        parseParticipantList(m.header("To")),
		CC:        parseParticipantList(m.header("Cc")),
		Timestamp: timestamp,
		IsRead:    !hasLabel(m.LabelIds, "UNREAD"),
		Labels:    m.LabelIds,
		Raw:       m,
	}
}
