package notion

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"
)

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

// Title builds a title property value.
func Title(s string) notionapi.Property {
	return notionapi.TitleProperty{Type: notionapi.PropertyTypeTitle, Title: richText(s)}
}

// Text builds a rich text property value.
func Text(s string) notionapi.Property {
	return notionapi.RichTextProperty{Type: notionapi.PropertyTypeRichText, RichText: richText(s)}
}

// URL builds a URL property value, adding https:// to bare domains.
func URL(s string) notionapi.Property {
	s = strings.TrimSpace(s)
	if s != "" && !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return notionapi.URLProperty{Type: notionapi.PropertyTypeURL, URL: s}
}

// Number builds a number property value.
func Number(f float64) notionapi.Property {
	return notionapi.NumberProperty{Type: notionapi.PropertyTypeNumber, Number: f}
}

// Checkbox builds a checkbox property value.
func Checkbox(b bool) notionapi.Property {
	return notionapi.CheckboxProperty{Type: notionapi.PropertyTypeCheckbox, Checkbox: b}
}

// Select builds a select property value.
func Select(name string) notionapi.Property {
	return notionapi.SelectProperty{Type: notionapi.PropertyTypeSelect, Select: notionapi.Option{Name: name}}
}

// Date builds a date property value.
func Date(t time.Time) notionapi.Property {
	d := notionapi.Date(t)
	return notionapi.DateProperty{Type: notionapi.PropertyTypeDate, Date: &notionapi.DateObject{Start: &d}}
}

// TitleOf returns the plain text of a page's title property.
func TitleOf(p notionapi.Page, prop string) string {
	var parts []notionapi.RichText
	switch v := p.Properties[prop].(type) {
	case *notionapi.TitleProperty:
		parts = v.Title
	case notionapi.TitleProperty:
		parts = v.Title
	default:
		return ""
	}
	var b strings.Builder
	for _, rt := range parts {
		switch {
		case rt.PlainText != "":
			b.WriteString(rt.PlainText)
		case rt.Text != nil:
			b.WriteString(rt.Text.Content)
		}
	}
	return b.String()
}
