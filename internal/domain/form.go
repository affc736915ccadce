package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownField is returned when a form field name is not part of FormData.
var ErrUnknownField = errors.New("unknown form field")

// FormField names one editable field of the project brief.
type FormField struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// FormFields lists the brief fields in display order.
var FormFields = []FormField{
	{Key: "title", Label: "Titel des Projekts"},
	{Key: "description", Label: "Beschreibung"},
	{Key: "requirements", Label: "Anforderungen"},
	{Key: "constraints", Label: "Einschränkungen"},
	{Key: "additional_info", Label: "Weitere Informationen"},
}

// FormData is the project brief collected in step one.
type FormData struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	Requirements   string `json:"requirements"`
	Constraints    string `json:"constraints"`
	AdditionalInfo string `json:"additional_info"`
}

func (f *FormData) field(key string) *string {
	switch key {
	case "title":
		return &f.Title
	case "description":
		return &f.Description
	case "requirements":
		return &f.Requirements
	case "constraints":
		return &f.Constraints
	case "additional_info":
		return &f.AdditionalInfo
	}
	return nil
}

// Get returns the value of the named field.
func (f FormData) Get(key string) (string, bool) {
	p := f.field(key)
	if p == nil {
		return "", false
	}
	return *p, true
}

// Set updates the named field.
func (f *FormData) Set(key, value string) error {
	p := f.field(key)
	if p == nil {
		return fmt.Errorf("%w: %q", ErrUnknownField, key)
	}
	*p = value
	return nil
}

// Missing returns the keys of all blank fields in display order.
func (f FormData) Missing() []string {
	var missing []string
	for _, ff := range FormFields {
		v, _ := f.Get(ff.Key)
		if strings.TrimSpace(v) == "" {
			missing = append(missing, ff.Key)
		}
	}
	return missing
}

// AllFilled reports whether every field holds non-blank text.
func (f FormData) AllFilled() bool {
	return len(f.Missing()) == 0
}

// FormatContext renders the brief as markdown, used to seed the first chat prompt.
func (f FormData) FormatContext() string {
	var b strings.Builder
	for i, ff := range FormFields {
		v, _ := f.Get(ff.Key)
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("**")
		b.WriteString(ff.Label)
		b.WriteString(":**\n")
		b.WriteString(strings.TrimSpace(v))
	}
	return b.String()
}
