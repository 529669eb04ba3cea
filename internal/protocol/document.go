package protocol

import (
	"encoding/json"
	"strings"
)

const (
	DefaultDocumentTitle  = "Untitled"
	DefaultDocumentAuthor = "Unknown"
)

// Document is the readable content of a written-document item.
type Document struct {
	Title    string   `json:"title"`
	Author   string   `json:"author"`
	Pages    []string `json:"pages"`
	Resolved bool     `json:"resolved"`
}

type rawDocument struct {
	Title    *string           `json:"title"`
	Author   *string           `json:"author"`
	Pages    []json.RawMessage `json:"pages"`
	Resolved *bool             `json:"resolved"`
}

type textComponent struct {
	Text string `json:"text"`
	Raw  string `json:"raw"`
}

// ExtractDocument reads document fields from an item payload. Missing or malformed fields
// fall back to defaults; it never fails.
func ExtractDocument(raw json.RawMessage) Document {
	doc := Document{
		Title:  DefaultDocumentTitle,
		Author: DefaultDocumentAuthor,
		Pages:  []string{},
	}
	var rd rawDocument
	if len(raw) == 0 || json.Unmarshal(raw, &rd) != nil {
		return doc
	}
	if rd.Title != nil && strings.TrimSpace(*rd.Title) != "" {
		doc.Title = *rd.Title
	}
	if rd.Author != nil && strings.TrimSpace(*rd.Author) != "" {
		doc.Author = *rd.Author
	}
	if rd.Resolved != nil {
		doc.Resolved = *rd.Resolved
	}
	for _, p := range rd.Pages {
		doc.Pages = append(doc.Pages, pageText(p))
	}
	return doc
}

// pageText accepts a plain string page or a {"text"} / {"raw"} component.
func pageText(p json.RawMessage) string {
	var s string
	if json.Unmarshal(p, &s) == nil {
		return s
	}
	var c textComponent
	if json.Unmarshal(p, &c) == nil {
		if c.Text != "" {
			return c.Text
		}
		return c.Raw
	}
	return ""
}
