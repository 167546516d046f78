package service

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
)

var placeholderPattern = regexp.MustCompile(`\(\(([^()]+)\)\)`)

// Rendered is the content handed to a provider client.
type Rendered struct {
	Subject  string
	Body     string
	HTMLBody string
}

type Renderer interface {
	Render(template *domain.Template, n *domain.Notification) (Rendered, error)
}

// PlaceholderRenderer fills ((name)) placeholders from the notification's
// personalisation. Unknown placeholders are left in place.
type PlaceholderRenderer struct{}

func (PlaceholderRenderer) Render(template *domain.Template, n *domain.Notification) (Rendered, error) {
	if template == nil {
		return Rendered{}, fmt.Errorf("%w: template is required", domain.ErrValidation)
	}

	body := fill(template.Content, n.Personalisation)
	rendered := Rendered{
		Subject: fill(template.Subject, n.Personalisation),
		Body:    body,
	}
	if n.Type == domain.NotificationTypeEmail {
		rendered.HTMLBody = "<p>" + strings.ReplaceAll(html.EscapeString(body), "\n", "<br>") + "</p>"
	}
	return rendered, nil
}

func fill(content string, values map[string]string) string {
	if len(values) == 0 {
		return content
	}
	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		key := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := values[key]; ok {
			return value
		}
		return match
	})
}
