// Package tenant supplies the read-only business configuration a voice
// session is started with and renders the persona's system instruction.
package tenant

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// Tenant is the business-facing configuration of one bot
type Tenant struct {
	DisplayName string // Business name shown to customers
	PersonaName string // Name the agent introduces itself with
	Voice       string // Prebuilt voice of the speech endpoint
	Prompt      string // Business-specific instructions and knowledge
	Language    string // BCP-47 primary tag, e.g. "en" or "he"
}

// Provider returns the tenant configuration for a new session
type Provider interface {
	Tenant(ctx context.Context) (Tenant, error)
}

// Static is a Provider that always returns the same tenant
type Static Tenant

// Tenant implements Provider
func (s Static) Tenant(context.Context) (Tenant, error) {
	return Tenant(s), nil
}

var instructionTemplates = map[string]*template.Template{
	"en": template.Must(template.New("en").Parse(
		`You are {{.PersonaName}}, the voice customer-service agent of {{.DisplayName}}. ` +
			`Speak naturally and briefly, one or two sentences at a time, and let the customer interrupt you. ` +
			`Answer only from the business information below. If you do not know, say so and offer to take the customer's details.` +
			"\n\nBusiness information:\n{{.Prompt}}")),
	"he": template.Must(template.New("he").Parse(
		`את/ה {{.PersonaName}}, נציג/ת שירות הלקוחות הקולי של {{.DisplayName}}. ` +
			`דבר/י בעברית, בטבעיות ובקצרה, משפט או שניים בכל פעם, ואפשר/י ללקוח לקטוע אותך. ` +
			`ענה/י רק על סמך מידע העסק שלהלן. אם אינך יודע/ת, אמור/י זאת והצע/י לרשום את פרטי הלקוח.` +
			"\n\nמידע על העסק:\n{{.Prompt}}")),
}

// SystemInstruction renders the localized instruction text for the tenant.
// Unknown languages fall back to English.
func (t Tenant) SystemInstruction() (string, error) {
	tmpl, ok := instructionTemplates[primaryLanguage(t.Language)]
	if !ok {
		tmpl = instructionTemplates["en"]
	}

	data := t
	if strings.TrimSpace(data.DisplayName) == "" {
		data.DisplayName = "the business"
	}
	data.Prompt = strings.TrimSpace(data.Prompt)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render system instruction: %w", err)
	}
	return buf.String(), nil
}

func primaryLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i >= 0 {
		tag = tag[:i]
	}
	return tag
}
