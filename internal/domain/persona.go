package domain

// Persona selects the model and the tone of the system prompt.
type Persona string

// Known personas.
const (
	PersonaStockNoob     Persona = "stock-noob"
	PersonaQuantPro      Persona = "quant-pro"
	PersonaQuantProHeavy Persona = "quant-pro-heavy"

	DefaultPersona = PersonaStockNoob
)

// PersonaOption describes a persona for the client picker.
type PersonaOption struct {
	ID    Persona `json:"id"`
	Label string  `json:"label"`
}

// Personas lists the selectable personas in display order.
var Personas = []PersonaOption{
	{ID: PersonaStockNoob, Label: "Stock Noob"},
	{ID: PersonaQuantPro, Label: "Quant Pro"},
	{ID: PersonaQuantProHeavy, Label: "Quant Pro Heavy"},
}

// Valid reports whether p is a known persona.
func (p Persona) Valid() bool {
	for _, opt := range Personas {
		if opt.ID == p {
			return true
		}
	}
	return false
}
