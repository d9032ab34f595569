// Package opds models OPDS 2.0 catalog feeds and the ODL licensing
// extension. Decoding is deliberately tolerant: real-world feeds put
// single values where lists belong and vice versa, so the scalar-or-list
// fields use forgiving wrapper types instead of failing the page.
package opds

import (
	"bytes"
	"encoding/json"
)

// Link relations recognized by the analyzer. Only RelNext drives the
// crawl; the acquisition relations drive format and DRM classification.
const (
	RelNext        = "next"
	RelSelf        = "self"
	RelAcquisition = "http://opds-spec.org/acquisition"
	RelOpenAccess  = "http://opds-spec.org/acquisition/open-access"
	RelBorrow      = "http://opds-spec.org/acquisition/borrow"
	RelSample      = "http://opds-spec.org/acquisition/sample"
	RelImage       = "http://opds-spec.org/image"
)

// Strings decodes a JSON value that is either a single string or a list
// of strings. A null decodes to nil.
type Strings []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Strings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*s = Strings{one}
	return nil
}

// Contains reports whether any value equals v.
func (s Strings) Contains(v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// First returns the first value or "".
func (s Strings) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Text decodes a feed value that is either a bare string or a language
// map, in which case the first entry wins.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		for _, v := range m {
			*t = Text(v)
			return nil
		}
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}

// Contributor is an author, narrator or publisher entry.
type Contributor struct {
	Name Text   `json:"name"`
	Role string `json:"role,omitempty"`
}

// Contributors decodes the contributor forms feeds actually emit: one
// string, one object, or a list mixing both.
type Contributors []Contributor

// UnmarshalJSON implements json.Unmarshaler.
func (c *Contributors) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return err
		}
		out := make(Contributors, 0, len(raws))
		for _, raw := range raws {
			one, err := decodeContributor(raw)
			if err != nil {
				return err
			}
			out = append(out, one)
		}
		*c = out
		return nil
	}
	one, err := decodeContributor(data)
	if err != nil {
		return err
	}
	*c = Contributors{one}
	return nil
}

func decodeContributor(data []byte) (Contributor, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var c Contributor
		err := json.Unmarshal(data, &c)
		return c, err
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return Contributor{}, err
	}
	return Contributor{Name: Text(name)}, nil
}

// Names returns the non-empty contributor names in declared order.
func (c Contributors) Names() []string {
	var out []string
	for _, e := range c {
		if e.Name != "" {
			out = append(out, string(e.Name))
		}
	}
	return out
}

// Link is one entry of a feed or publication link list.
type Link struct {
	Rel        Strings         `json:"rel,omitempty"`
	Href       string          `json:"href"`
	Type       string          `json:"type,omitempty"`
	Title      string          `json:"title,omitempty"`
	Templated  bool            `json:"templated,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// HasRel reports whether the link declares exactly the given relation.
func (l Link) HasRel(rel string) bool { return l.Rel.Contains(rel) }

// PropertiesBlob returns the raw properties object lowercased for
// substring matching. DRM hints live at arbitrary depths inside
// properties (indirectAcquisition chains, license pointers), so the
// classifier matches the serialized form rather than walking the tree.
func (l Link) PropertiesBlob() string {
	if len(l.Properties) == 0 {
		return ""
	}
	return string(bytes.ToLower(l.Properties))
}

// FindLink returns the first link carrying the relation, or nil.
func FindLink(links []Link, rel string) *Link {
	for i := range links {
		if links[i].HasRel(rel) {
			return &links[i]
		}
	}
	return nil
}

// FeedMetadata is the metadata block of a feed page.
type FeedMetadata struct {
	Title         Text   `json:"title"`
	Type          string `json:"@type,omitempty"`
	NumberOfItems int    `json:"numberOfItems,omitempty"`
	ItemsPerPage  int    `json:"itemsPerPage,omitempty"`
	CurrentPage   int    `json:"currentPage,omitempty"`
}

// Feed is one decoded catalog page. Publications may appear at the top
// level or nested inside groups; AllPublications flattens both.
type Feed struct {
	Metadata     FeedMetadata  `json:"metadata"`
	Links        []Link        `json:"links"`
	Publications []Publication `json:"publications,omitempty"`
	Navigation   []Link        `json:"navigation,omitempty"`
	Groups       []Group       `json:"groups,omitempty"`
}

// Group is a named sub-collection inside a feed page.
type Group struct {
	Metadata     FeedMetadata  `json:"metadata"`
	Links        []Link        `json:"links,omitempty"`
	Publications []Publication `json:"publications,omitempty"`
	Navigation   []Link        `json:"navigation,omitempty"`
}

// AllPublications returns top-level publications followed by every
// group's publications, in feed order.
func (f *Feed) AllPublications() []Publication {
	if len(f.Groups) == 0 {
		return f.Publications
	}
	out := make([]Publication, 0, len(f.Publications))
	out = append(out, f.Publications...)
	for _, g := range f.Groups {
		out = append(out, g.Publications...)
	}
	return out
}

// NextHref returns the href of the feed's next link, or "".
func (f *Feed) NextHref() string {
	if l := FindLink(f.Links, RelNext); l != nil {
		return l.Href
	}
	return ""
}

// PublicationMetadata is the metadata block of one publication.
type PublicationMetadata struct {
	Identifier  string       `json:"identifier,omitempty"`
	Type        Strings      `json:"@type,omitempty"`
	Title       Text         `json:"title"`
	Author      Contributors `json:"author,omitempty"`
	Narrator    Contributors `json:"narrator,omitempty"`
	Publisher   Contributors `json:"publisher,omitempty"`
	Language    Strings      `json:"language,omitempty"`
	Description string       `json:"description,omitempty"`
	Modified    string       `json:"modified,omitempty"`
	Published   string       `json:"published,omitempty"`
}

// Publication is one catalog entry. Licenses is populated only by ODL
// feeds; plain OPDS publications carry acquisition information in Links.
type Publication struct {
	Metadata PublicationMetadata `json:"metadata"`
	Links    []Link              `json:"links,omitempty"`
	Images   []Link              `json:"images,omitempty"`
	Licenses []License           `json:"licenses,omitempty"`
}

// License is one ODL license entry attached to a publication.
type License struct {
	Metadata LicenseMetadata `json:"metadata"`
	Links    []Link          `json:"links,omitempty"`
}

// LicenseMetadata carries the license's format, protection and terms.
type LicenseMetadata struct {
	Identifier string         `json:"identifier,omitempty"`
	Formats    Strings        `json:"format,omitempty"`
	Protection *Protection    `json:"protection,omitempty"`
	Terms      map[string]any `json:"terms,omitempty"`
	Price      map[string]any `json:"price,omitempty"`
	Created    string         `json:"created,omitempty"`
}

// Protection describes the DRM a license applies. A protection object
// that is present but empty ({}) is treated the same as an absent one,
// while a non-empty object with no recognized scheme is a distinct
// "unrecognized DRM" signal. Empty preserves that distinction after
// decoding.
type Protection struct {
	Formats Strings `json:"format,omitempty"`
	Devices *int    `json:"devices,omitempty"`
	Copy    *bool   `json:"copy,omitempty"`
	Print   *bool   `json:"print,omitempty"`

	noFields bool
}

// UnmarshalJSON implements json.Unmarshaler, recording whether the
// object carried any fields at all.
func (p *Protection) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	type alias Protection
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Protection(a)
	p.noFields = len(fields) == 0
	return nil
}

// Empty reports whether the protection carries no information, either
// because the pointer is nil or the decoded object had no fields.
func (p *Protection) Empty() bool {
	return p == nil || p.noFields
}
