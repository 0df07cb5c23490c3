// ABOUTME: Template rendering for lifecycle event emails.
// ABOUTME: Templates parsed once at init from embedded FS; rendered per delivery.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// EventField is one label/value row rendered in an event email.
type EventField struct {
	Label string
	Value string
}

// EventTemplateData is the context passed to the event email templates.
type EventTemplateData struct {
	Title  string
	Intro  string
	Fields []EventField
}

// Parsed templates — one per file to avoid {{define}} namespace collisions.
var (
	eventHTML *htmltpl.Template
	eventText *texttpl.Template
)

func init() {
	eventHTML = htmltpl.Must(htmltpl.New("").ParseFS(templateFS, "templates/email_event.html.tmpl"))
	eventText = texttpl.Must(texttpl.New("").ParseFS(templateFS, "templates/email_event.txt.tmpl"))
}

// RenderEvent renders a lifecycle event email. Returns subject, HTML body,
// and plaintext body.
func RenderEvent(data EventTemplateData) (string, string, string, error) {
	// Render subject from the text template's "subject" block.
	var subjectBuf bytes.Buffer
	if err := eventText.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject := sanitizeSubject(subjectBuf.String())

	var htmlBuf bytes.Buffer
	if err := eventHTML.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}

	var textBuf bytes.Buffer
	if err := eventText.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
