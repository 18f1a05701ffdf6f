package notification

import (
	"fmt"
	"strings"
	"text/template"
)

// Template is a catalog entry. Subject and Body are text/template sources
// rendered against the notification payload.
type Template struct {
	Subject string
	Body    string
}

const (
	TemplateLeadAssigned = "lead_assigned"
	TemplateFollowUpDue  = "follow_up_due"
	TemplateLeadWelcome  = "lead_welcome"
	TemplateLeadStalled  = "lead_stalled"
)

// DefaultCatalog holds the templates referenced by the shipped rule seeds.
func DefaultCatalog() map[string]Template {
	return map[string]Template{
		TemplateLeadAssigned: {
			Subject: "Nuevo lead asignado: {{.leadName}}",
			Body:    "Hola {{.recipientName}}, te hemos asignado el lead {{.leadName}} (etapa {{.stage}}).",
		},
		TemplateFollowUpDue: {
			Subject: "Seguimiento pendiente: {{.leadName}}",
			Body:    "Hola {{.recipientName}}, toca volver a contactar con {{.leadName}}.{{if .note}} Nota: {{.note}}{{end}}",
		},
		TemplateLeadWelcome: {
			Subject: "Gracias por contactar",
			Body:    "Hola {{.recipientName}}, hemos recibido tu solicitud. Un asesor te escribirá en breve.",
		},
		TemplateLeadStalled: {
			Subject: "Lead sin avance: {{.leadName}}",
			Body:    "{{.leadName}} lleva demasiado tiempo en la etapa {{.stage}}{{if .agentName}} con {{.agentName}}{{end}}.",
		},
	}
}

type rendered struct {
	Subject string
	Body    string
}

// resolve looks the id up in the catalog. Unknown ids that contain template
// actions are used as an inline body.
func resolve(catalog map[string]Template, id string) (Template, error) {
	if tpl, ok := catalog[id]; ok {
		return tpl, nil
	}
	if strings.Contains(id, "{{") {
		return Template{Subject: "Aviso", Body: id}, nil
	}
	return Template{}, fmt.Errorf("unknown notification template %q", id)
}

func render(tpl Template, data map[string]string) (rendered, error) {
	subject, err := renderTemplateText(tpl.Subject, data)
	if err != nil {
		return rendered{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := renderTemplateText(tpl.Body, data)
	if err != nil {
		return rendered{}, fmt.Errorf("render body: %w", err)
	}
	return rendered{Subject: strings.TrimSpace(subject), Body: strings.TrimSpace(body)}, nil
}

func renderTemplateText(tpl string, data map[string]string) (string, error) {
	parsed, err := template.New("msg").Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := parsed.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
