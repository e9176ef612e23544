package document

import (
	"esign-workflow/internal/domain"
	"esign-workflow/internal/lifecycle"
)

// Editability answers the two editability questions for one field.
type Editability struct {
	// Structural covers type, label, recipient, page, geometry and required.
	Structural bool `json:"structural"`
	// Value covers filling the field through a sign token.
	Value bool `json:"value"`
}

// IsFieldEditable evaluates a field under the given version status. token is
// nil for the owner, who never fills values.
func IsFieldEditable(f *domain.Field, status lifecycle.Status, token *domain.SigningToken) Editability {
	return Editability{
		Structural: status.Structural(),
		Value:      isValueEditable(f, status, token),
	}
}

func isValueEditable(f *domain.Field, status lifecycle.Status, token *domain.SigningToken) bool {
	if token == nil || token.Scope != domain.ScopeSign {
		return false
	}
	if !status.Signable() {
		return false
	}
	// fill-once: a field with a value is never editable again
	return token.Recipient == f.Recipient && !f.Locked && !f.HasValue()
}

// EditableFieldIDs lists the fields token may fill, in layout order.
func EditableFieldIDs(fields []domain.Field, status lifecycle.Status, token *domain.SigningToken) []string {
	ids := []string{}
	for i := range fields {
		if isValueEditable(&fields[i], status, token) {
			ids = append(ids, fields[i].ID)
		}
	}
	return ids
}
