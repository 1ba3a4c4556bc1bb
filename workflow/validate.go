package workflow

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/civistack/benefitflow/workflow/store"
)

// FieldError names a single rejected form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every failed field so the caller can show
// them all at once instead of round-tripping per field.
type ValidationError []FieldError

func (v ValidationError) Error() string {
	parts := make([]string, len(v))
	for i, fe := range v {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// ValidateForm checks the applicant form. Pure; no I/O.
func ValidateForm(form store.FormData) error {
	var errs ValidationError

	if len(strings.TrimSpace(form.FullName)) < 2 {
		errs = append(errs, FieldError{"full_name", "must be at least 2 characters"})
	}
	if len(strings.TrimSpace(form.NationalID)) < 4 {
		errs = append(errs, FieldError{"national_id", "must be at least 4 characters"})
	}
	if !validPhone(form.Phone) {
		errs = append(errs, FieldError{"phone", "must be + followed by 8 to 15 digits"})
	}
	if _, err := mail.ParseAddress(form.Email); err != nil {
		errs = append(errs, FieldError{"email", "must be a valid email address"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validPhone(s string) bool {
	if len(s) < 9 || len(s) > 16 || s[0] != '+' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
