package opds

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// descPolicy strips all markup from descriptions. Feed producers embed
// raw HTML in description fields and it must not leak into reports.
var descPolicy = bluemonday.StrictPolicy()

// Record is the flattened per-publication view consumed by validation,
// classification and the final inventory. It carries everything needed
// to report on a publication without holding the page it came from.
type Record struct {
	Identifier  string    `json:"identifier,omitempty"`
	Title       string    `json:"title"`
	Author      string    `json:"author,omitempty"`
	Publisher   string    `json:"publisher,omitempty"`
	Description string    `json:"description,omitempty"`
	Types       []string  `json:"types,omitempty"`
	Links       []Link    `json:"-"`
	Images      []Link    `json:"-"`
	Licenses    []License `json:"-"`
}

// NewRecord flattens a decoded publication. Contributor names are
// joined with ", " and the description is sanitized to plain text.
func NewRecord(p Publication) Record {
	return Record{
		Identifier:  p.Metadata.Identifier,
		Title:       string(p.Metadata.Title),
		Author:      strings.Join(p.Metadata.Author.Names(), ", "),
		Publisher:   strings.Join(p.Metadata.Publisher.Names(), ", "),
		Description: SanitizeDescription(p.Metadata.Description),
		Types:       p.Metadata.Type,
		Links:       p.Links,
		Images:      p.Images,
		Licenses:    p.Licenses,
	}
}

// SanitizeDescription removes markup and unescapes entities, returning
// trimmed plain text.
func SanitizeDescription(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(descPolicy.Sanitize(s)))
}

// HasCover reports whether the publication declares a cover image,
// either in its images block or via an image-relation link.
func (r Record) HasCover() bool {
	if len(r.Images) > 0 {
		return true
	}
	return FindLink(r.Links, RelImage) != nil
}

// AcquisitionLinks returns the links whose relation is exactly the
// acquisition or open-access acquisition relation. Borrow and sample
// relations are deliberately excluded from format detection.
func (r Record) AcquisitionLinks() []Link {
	var out []Link
	for _, l := range r.Links {
		if l.HasRel(RelAcquisition) || l.HasRel(RelOpenAccess) {
			out = append(out, l)
		}
	}
	return out
}
