package mail

import (
	"encoding/base64"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"google.golang.org/api/gmail/v1"
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	angleAddress = regexp.MustCompile(`<([^>]+)>`)
)

// ParseMessage converts a full-format Gmail message into an Email. Plain text is
// preferred over HTML; HTML bodies are reduced to their visible text.
func ParseMessage(msg *gmail.Message) *Email {
	email := &Email{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	if email.Labels == nil {
		email.Labels = []string{}
	}
	if msg.Payload == nil {
		return email
	}

	email.Subject = header(msg.Payload, "Subject")
	email.From = address(header(msg.Payload, "From"))
	email.To = header(msg.Payload, "To")
	email.Date = header(msg.Payload, "Date")

	body := partBody(msg.Payload, "text/plain")
	if body == "" {
		if markup := partBody(msg.Payload, "text/html"); markup != "" {
			body = htmlText(markup)
		}
	} else if looksLikeHTML(body) {
		body = htmlText(body)
	}

	body = strings.TrimSpace(body)
	if runes := []rune(body); len(runes) > maxBody {
		body = string(runes[:maxBody])
	}
	email.Body = body
	return email
}

func header(part *gmail.MessagePart, name string) string {
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// address pulls the mailbox out of "Name <user@example.com>"
func address(from string) string {
	if m := angleAddress.FindStringSubmatch(from); m != nil {
		return m[1]
	}
	return strings.TrimSpace(from)
}

// partBody returns the first decoded body of the given MIME type, searching
// nested multiparts depth first. A single-part message matches on its own type
// or when it has no type at all.
func partBody(part *gmail.MessagePart, mimeType string) string {
	if len(part.Parts) == 0 {
		if part.Body == nil || part.Body.Data == "" {
			return ""
		}
		if part.MimeType != "" && !strings.EqualFold(part.MimeType, mimeType) {
			return ""
		}
		return decodeBody(part.Body.Data)
	}

	for _, child := range part.Parts {
		if body := partBody(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

// decodeBody decodes Gmail's base64url body data, padded or not
func decodeBody(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}

func looksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<div")
}

// htmlText keeps the visible text of an HTML document, dropping scripts and
// styles, with whitespace collapsed
func htmlText(markup string) string {
	var (
		out  strings.Builder
		skip int
	)

	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a parse error; either way keep what was read
			return strings.TrimSpace(whitespace.ReplaceAllString(out.String(), " "))
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(string(name)) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				out.Write(z.Text())
				out.WriteByte(' ')
			}
		}
	}
}

func isHidden(tag string) bool {
	return tag == "script" || tag == "style" || tag == "head"
}
