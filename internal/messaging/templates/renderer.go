// Package templates holds the Portuguese message catalog sent to patients.
package templates

import (
	"bytes"
	"fmt"
	"text/template"
)

// Data fills a message template.
type Data struct {
	Name      string
	Clinic    string
	Specialty string
	ExamType  string
	Slot      string
	// DaysBefore is set for pre-appointment reminders.
	DaysBefore int
}

// Defaults is the built-in catalog keyed by message kind.
var Defaults = map[string]string{
	"reminder": "Olá, {{.Name}}! Aqui é da {{.Clinic}}. Sua consulta de {{.Specialty}} está marcada para {{.Slot}}.\n" +
		"Responda:\n1 - Confirmar presença\n2 - Preciso cancelar",
	"offer": "Olá, {{.Name}}! Abriu uma vaga de {{.Specialty}} na {{.Clinic}} em {{.Slot}} e você é o próximo da fila.\n" +
		"Responda:\n1 - Quero a vaga\n2 - Não posso",
	"confirm_ack":    "Obrigado, {{.Name}}! Sua consulta de {{.Specialty}} em {{.Slot}} está confirmada. Chegue 15 minutos antes.",
	"cancel_ack":     "Tudo bem, {{.Name}}. Sua consulta foi cancelada e o horário será oferecido a outro paciente.",
	"reschedule_ack": "Certo, {{.Name}}. Liberamos seu horário e você voltou para a fila de {{.Specialty}}. Avisaremos quando houver nova vaga.",
	"help":           "Não entendemos sua resposta. Responda 1 para confirmar, 2 para cancelar.",
	"pre_appointment": "Lembrete: {{.Name}}, faltam {{if eq .DaysBefore 1}}24 horas{{else}}{{.DaysBefore}} dias{{end}} para sua consulta de {{.Specialty}} em {{.Slot}} na {{.Clinic}}." +
		"{{if eq .DaysBefore 1}}\nLeve o Cartão SUS, documento com foto, exames anteriores e a lista de medicamentos.{{end}}" +
		"{{if eq .DaysBefore 3}}\nOrganize seus documentos e anote suas dúvidas para o médico.{{end}}",
}

// Renderer renders catalog templates with strict missing-key semantics.
type Renderer struct {
	set *template.Template
}

// NewRenderer parses catalog, falling back to Defaults for missing kinds.
func NewRenderer(catalog map[string]string) (*Renderer, error) {
	root := template.New("catalog").Option("missingkey=error")
	for name, text := range Defaults {
		if override, ok := catalog[name]; ok && override != "" {
			text = override
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
	}
	for name, text := range catalog {
		if _, known := Defaults[name]; known || text == "" {
			continue
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, err)
		}
	}
	return &Renderer{set: root}, nil
}

// MustDefault returns the renderer for the built-in catalog.
func MustDefault() *Renderer {
	r, err := NewRenderer(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Render executes the template registered as name.
func (r *Renderer) Render(name string, data Data) (string, error) {
	t := r.set.Lookup(name)
	if t == nil {
		return "", fmt.Errorf("templates: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %s: %w", name, err)
	}
	return buf.String(), nil
}
