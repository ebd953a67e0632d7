package templates

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	strongPattern   = regexp.MustCompile(`\*\*(.*?)\*\*`)
	emphasisPattern = regexp.MustCompile(`\*(.*?)\*`)
)

// ToHTML converts plain step text to HTML: markup characters are escaped,
// newlines become <br>, **x** becomes <strong> and *x* becomes <em>.
func ToHTML(text string) string {
	out := strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
	out = strongPattern.ReplaceAllString(out, "<strong>$1</strong>")
	return emphasisPattern.ReplaceAllString(out, "<em>$1</em>")
}

// Footer is the compliance block appended to every email body.
type Footer struct {
	Company        string
	RecipientEmail string
	UnsubscribeURL string
}

// String renders the footer HTML.
func (f Footer) String() string {
	company := html.EscapeString(strings.TrimSpace(f.Company))
	if company == "" {
		company = "us"
	}
	link := f.UnsubscribeURL
	if f.RecipientEmail != "" {
		sep := "?"
		if strings.Contains(link, "?") {
			sep = "&"
		}
		link += sep + "email=" + url.QueryEscape(f.RecipientEmail)
	}

	var b strings.Builder
	b.WriteString(`<div style="margin-top: 30px; border-top: 1px solid #e2e8f0; padding-top: 15px; font-family: sans-serif;">`)
	fmt.Fprintf(&b, `<p style="font-size: 12px; color: #64748b; margin-bottom: 5px;">You are receiving this email because you requested information about a property or contacted %s.</p>`, company)
	if f.UnsubscribeURL != "" {
		fmt.Fprintf(&b, `<p style="font-size: 12px; color: #64748b;"><a href="%s" style="color: #64748b; text-decoration: underline;">Unsubscribe</a> from future updates.</p>`, html.EscapeString(link))
	}
	b.WriteString(`</div>`)
	return b.String()
}

// FormatHTML converts body to HTML, appends signature when set, and closes
// with the footer.
func FormatHTML(body, signature string, footer Footer) string {
	var b strings.Builder
	b.WriteString(ToHTML(body))
	if sig := strings.TrimSpace(signature); sig != "" {
		b.WriteString("<br><br>")
		b.WriteString(ToHTML(sig))
	}
	b.WriteString(footer.String())
	return b.String()
}
