package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogRendersEveryKind(t *testing.T) {
	r := MustDefault()
	data := Data{Name: "Maria", Clinic: "UBS Centro", Specialty: "cardiologia", Slot: "15/07/2026 10:00", DaysBefore: 5}
	for name := range Defaults {
		out, err := r.Render(name, data)
		require.NoError(t, err, name)
		assert.NotEmpty(t, out, name)
	}
}

func TestHelpTextMentionsMenu(t *testing.T) {
	out, err := MustDefault().Render("help", Data{})
	require.NoError(t, err)
	assert.Equal(t, "Não entendemos sua resposta. Responda 1 para confirmar, 2 para cancelar.", out)
}

func TestPreAppointmentVariesByOffset(t *testing.T) {
	r := MustDefault()
	d1, err := r.Render("pre_appointment", Data{Name: "Ana", Slot: "x", DaysBefore: 1})
	require.NoError(t, err)
	assert.Contains(t, d1, "24 horas")
	assert.Contains(t, d1, "Cartão SUS")

	d7, err := r.Render("pre_appointment", Data{Name: "Ana", Slot: "x", DaysBefore: 7})
	require.NoError(t, err)
	assert.Contains(t, d7, "7 dias")
	assert.NotContains(t, d7, "Cartão SUS")
}

func TestOverridesAndUnknownNames(t *testing.T) {
	r, err := NewRenderer(map[string]string{"help": "Ajuda: {{.Name}}", "custom": "oi {{.Name}}"})
	require.NoError(t, err)

	out, err := r.Render("help", Data{Name: "Zé"})
	require.NoError(t, err)
	assert.Equal(t, "Ajuda: Zé", out)

	out, err = r.Render("custom", Data{Name: "Zé"})
	require.NoError(t, err)
	assert.Equal(t, "oi Zé", out)

	_, err = r.Render("missing", Data{})
	assert.Error(t, err)

	_, err = NewRenderer(map[string]string{"help": "{{.Name"})
	assert.Error(t, err)
}
