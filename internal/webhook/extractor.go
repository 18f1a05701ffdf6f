package webhook

import (
	"regexp"
	"sort"
	"strings"
)

// maxExtraFields caps how many unrecognized form fields are kept as custom fields.
const maxExtraFields = 20

// ExtractedFields holds the fields extracted from raw form data via best-effort label matching.
type ExtractedFields struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Campaign  string
	Channel   string
	Message   string
	// Extra holds the unrecognized fields, keyed by their normalized label.
	Extra map[string]string
}

// DisplayName joins first and last name.
func (e ExtractedFields) DisplayName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// IsIncomplete returns true if minimum required fields (name + at least one contact method) are missing.
func (e ExtractedFields) IsIncomplete() bool {
	hasName := e.FirstName != "" || e.LastName != ""
	hasContact := e.Phone != "" || e.Email != ""
	return !hasName || !hasContact
}

// HasContact reports whether the lead can be reached at all.
func (e ExtractedFields) HasContact() bool {
	return e.Phone != "" || e.Email != ""
}

// ExtractFields performs best-effort field extraction from a flat string map of form data.
// It uses label matching to identify common fields across any form.
func ExtractFields(data map[string]string) ExtractedFields {
	result := ExtractedFields{Extra: make(map[string]string)}

	// Sorted keys keep the outcome stable when several labels match the same field.
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(data[key])
		if value == "" {
			continue
		}
		k := strings.ToLower(strings.TrimSpace(key))

		switch {
		case matchesAny(k, firstNamePatterns):
			result.FirstName = value
		case matchesAny(k, lastNamePatterns):
			result.LastName = value
		case matchesAny(k, fullNamePatterns):
			parts := strings.SplitN(value, " ", 2)
			result.FirstName = parts[0]
			if len(parts) > 1 {
				result.LastName = parts[1]
			}
		case matchesAny(k, emailPatterns):
			if emailRegex.MatchString(value) {
				result.Email = value
			}
		case matchesAny(k, phonePatterns):
			result.Phone = cleanPhone(value)
		case matchesAny(k, campaignPatterns):
			result.Campaign = value
		case matchesAny(k, channelPatterns):
			result.Channel = value
		case matchesAny(k, messagePatterns):
			result.Message = value
		default:
			if label := normalizeLabel(k); label != "" && len(result.Extra) < maxExtraFields {
				result.Extra[label] = value
			}
		}
	}
	return result
}

// Field label patterns (Spanish + English)
var (
	firstNamePatterns = []string{"first_name", "firstname", "first name", "nombre", "given_name", "givenname", "fname"}
	lastNamePatterns  = []string{"last_name", "lastname", "last name", "apellido", "apellidos", "family_name", "familyname", "surname", "lname"}
	fullNamePatterns  = []string{"name", "full_name", "fullname", "your_name", "your name", "nombre_completo", "nombre completo"}
	emailPatterns     = []string{"email", "e-mail", "e_mail", "emailaddress", "email_address", "mail", "correo", "correo_electronico"}
	phonePatterns     = []string{"phone", "telefono", "teléfono", "tel", "telephone", "phonenumber", "phone_number", "mobile", "movil", "móvil", "celular", "whatsapp"}
	campaignPatterns  = []string{"campaign", "campaña", "campana", "utm_campaign"}
	channelPatterns   = []string{"channel", "canal", "source", "origen", "utm_source"}
	messagePatterns   = []string{"message", "mensaje", "comentario", "comentarios", "comment", "comments", "notes", "description", "descripcion", "consulta", "question"}
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	labelRe    = regexp.MustCompile(`[^a-z0-9_]+`)
)

func matchesAny(label string, patterns []string) bool {
	// Normalize: strip spaces, dashes, underscores for fuzzy matching
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(label)
	for _, p := range patterns {
		pNormalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(p)
		if normalized == pNormalized {
			return true
		}
	}
	return false
}

// cleanPhone strips formatting characters. E.164 normalization happens in ingest.
func cleanPhone(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, value)
}

func normalizeLabel(label string) string {
	label = strings.NewReplacer(" ", "_", "-", "_").Replace(label)
	label = strings.Trim(labelRe.ReplaceAllString(label, ""), "_")
	if len(label) > 100 {
		label = label[:100]
	}
	return label
}
