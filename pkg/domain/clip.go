package domain

import (
	"time"
)

type Kind string

const (
	KindPlainText Kind = "plain_text"
	KindRichText  Kind = "rich_text"
	KindImage     Kind = "image"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPlainText, KindRichText, KindImage:
		return true
	}
	return false
}

type Clip struct {
	ID            int64     `json:"id"`
	Content       string    `json:"content"`
	CipherPayload []byte    `json:"-"`
	Binary        []byte    `json:"-"`
	Kind          Kind      `json:"kind"`
	Pinned        bool      `json:"pinned"`
	SourceApp     string    `json:"source_app,omitempty"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SearchableText is what the full-text index sees for this clip: the
// decrypted primary content plus any derived text appended after it.
func (c *Clip) SearchableText() string {
	if c.ExtractedText == "" {
		return c.Content
	}
	if c.Content == "" {
		return c.ExtractedText
	}
	return c.Content + " " + c.ExtractedText
}

type SaveParams struct {
	Content   string
	Kind      Kind
	Binary    []byte
	SourceApp string
}
