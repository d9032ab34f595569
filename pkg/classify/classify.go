// Package classify derives format, DRM and publication-type labels from
// a publication's links and licenses. Classification is pure and
// heuristic: it reads declared metadata only, performs no I/O, and
// resolves every ambiguity to a named sentinel instead of an error.
package classify

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/JamesEnglish1028/opds-tools/pkg/opds"
)

// Kind selects the classification source: plain OPDS 2.0 feeds carry
// acquisition information in publication links, ODL feeds carry it in
// per-publication license entries.
type Kind string

// Feed kinds.
const (
	KindOPDS Kind = "opds"
	KindODL  Kind = "odl"
)

// Result is the classification outcome for one publication.
type Result struct {
	Formats     []string // unique labels in discovery order
	FormatCombo string   // sorted labels joined with "+"
	DRMSchemes  []string // never empty, at least DRMNone or DRMNotApplicable
	DRMCombo    string   // sorted non-trivial schemes joined with " & "
	Pairs       []string // format+scheme pair keys
	PubType     string

	BearerToken   bool
	AudiobookLink bool
	SampleLink    bool
}

// Engine classifies publication records for one feed kind. It is
// stateless and safe for concurrent use.
type Engine struct {
	kind Kind
}

// NewEngine creates an engine for the given feed kind.
func NewEngine(kind Kind) *Engine {
	return &Engine{kind: kind}
}

// Classify maps one record to its labels.
func (e *Engine) Classify(rec opds.Record) Result {
	res := Result{PubType: pubType(rec.Types)}

	if e.kind == KindODL {
		res.Formats = licenseFormats(rec.Licenses)
		res.DRMSchemes = licenseSchemes(rec.Licenses)
	} else {
		acq := rec.AcquisitionLinks()
		res.Formats = linkFormats(acq)
		res.DRMSchemes = []string{linkScheme(acq, res.Formats)}
	}

	res.FormatCombo = comboKey(res.Formats, "+")
	res.DRMCombo = drmComboKey(res.DRMSchemes)
	res.Pairs = pairKeys(e.kind, res.Formats, res.DRMSchemes)

	res.BearerToken = hasRelSubstring(rec.Links, "bearer-token") || hasRelSubstring(rec.Links, "bearer_token")
	res.AudiobookLink = hasAudiobookLink(rec.Links)
	res.SampleLink = hasRelSubstring(rec.Links, "sample") || hasRelSubstring(rec.Links, "preview")
	return res
}

// linkFormats detects formats from acquisition-link media types. The
// empty outcome maps to UNKNOWN so downstream counters never see an
// unlabeled publication.
func linkFormats(acq []opds.Link) []string {
	var out []string
	seen := map[string]bool{}
	add := func(label string) {
		if !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	for _, l := range acq {
		if l.Type == "" {
			continue
		}
		if label, ok := matchRules(formatRules, l.Type); ok {
			add(label)
			continue
		}
		if label := vendorFormat(l.Type); label != "" {
			add(label)
		}
	}
	if len(out) == 0 {
		out = append(out, FormatUnknown)
	}
	return out
}

// vendorFormat derives a label for application/* types that match no
// rule: the vendor suffix after the last "." when present, otherwise
// the whole subtype, upper-cased. application/vnd.librarysimplified.axisnow+json
// becomes AXISNOW+JSON this way.
func vendorFormat(mediaType string) string {
	mt := strings.ToLower(mediaType)
	if !strings.HasPrefix(mt, "application/") {
		return ""
	}
	subtype := strings.TrimPrefix(mt, "application/")
	if i := strings.LastIndex(subtype, "."); i >= 0 && i+1 < len(subtype) {
		subtype = subtype[i+1:]
	}
	if subtype == "" {
		return ""
	}
	return strings.ToUpper(subtype)
}

// drmEligible reports whether any detected format is DRM-checked.
// Only EPUB and audiobook delivery can carry the recognized schemes;
// everything else reports N/A.
func drmEligible(formats []string) bool {
	for _, f := range formats {
		if f == FormatEPUB || f == FormatAudiobook {
			return true
		}
	}
	return false
}

// linkScheme detects the DRM scheme for link-classified publications.
// Explicit signals win in link order; absent any signal a templated
// acquisition link implies token-gated delivery, and a fully silent
// publication is assumed unprotected. That last default is a policy
// bias toward openness, not a protocol guarantee.
func linkScheme(acq []opds.Link, formats []string) string {
	if !drmEligible(formats) {
		return DRMNotApplicable
	}
	for _, l := range acq {
		if label, ok := matchRules(drmBlobRules, l.PropertiesBlob()); ok {
			return label
		}
	}
	for _, l := range acq {
		if l.HasRel(opds.RelOpenAccess) && !l.Templated {
			return DRMNone
		}
		if containsFold(l.Type, "drm-free") {
			return DRMNone
		}
	}
	for _, l := range acq {
		if l.Templated {
			return DRMBearerToken
		}
	}
	return DRMNone
}

// licenseFormats reads formats from each license's format array and
// normalizes the media types to display labels.
func licenseFormats(licenses []opds.License) []string {
	var out []string
	seen := map[string]bool{}
	for _, lic := range licenses {
		for _, f := range lic.Metadata.Formats {
			label := licenseFormatLabel(f)
			if label == "" || seen[label] {
				continue
			}
			seen[label] = true
			out = append(out, label)
		}
	}
	if len(out) == 0 {
		out = append(out, FormatUnknown)
	}
	return out
}

var titleCaser = cases.Title(language.English)

func licenseFormatLabel(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	if label, ok := matchRules(licenseFormatRules, mediaType); ok {
		return label
	}
	subtype := strings.ToLower(mediaType)
	if i := strings.Index(subtype, "/"); i >= 0 {
		subtype = subtype[i+1:]
	}
	return titleCaser.String(subtype)
}

// licenseSchemes collects DRM schemes across all licenses. A license
// without a protection object (or with an empty one) is silence, not an
// unrecognized scheme: silence across the board yields No DRM, while a
// declared protection that matches nothing yields Unknown DRM. The two
// outcomes answer different questions and are never merged.
func licenseSchemes(licenses []opds.License) []string {
	var out []string
	seen := map[string]bool{}
	declared := false
	for _, lic := range licenses {
		p := lic.Metadata.Protection
		if p.Empty() {
			continue
		}
		declared = true
		for _, f := range p.Formats {
			label, ok := matchRules(protectionRules, f)
			if !ok || seen[label] {
				continue
			}
			seen[label] = true
			out = append(out, label)
		}
	}
	if len(out) == 0 {
		if declared {
			return []string{DRMUnknown}
		}
		return []string{DRMNone}
	}
	return out
}

// comboKey joins a sorted copy of labels with sep.
func comboKey(labels []string, sep string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	return strings.Join(sorted, sep)
}

// drmComboKey builds the per-publication combination key: sorted real
// schemes joined with " & ", or the single sentinel when nothing real
// was found. A publication protected by both Adobe and LCP increments
// exactly one "Adobe DRM & Readium LCP" combination.
func drmComboKey(schemes []string) string {
	var real []string
	for _, s := range schemes {
		switch s {
		case DRMNone, DRMUnknown, DRMNotApplicable:
		default:
			real = append(real, s)
		}
	}
	if len(real) == 0 {
		if len(schemes) == 0 {
			return DRMNone
		}
		return schemes[0]
	}
	return comboKey(real, " & ")
}

// pairKeys builds format+scheme pair keys. For link-classified feeds
// the scheme applies only to DRM-checked formats and the rest pair with
// N/A; license-classified feeds declare protection explicitly, so every
// format pairs with every detected scheme.
func pairKeys(kind Kind, formats, schemes []string) []string {
	var out []string
	for _, f := range formats {
		if kind == KindODL || f == FormatEPUB || f == FormatAudiobook {
			for _, s := range schemes {
				out = append(out, f+"+"+s)
			}
			continue
		}
		out = append(out, f+"+"+DRMNotApplicable)
	}
	return out
}

// pubType maps schema.org @type values to a coarse publication type.
// The first matching value wins; absence of the field is Other.
func pubType(types []string) string {
	for _, t := range types {
		if label, ok := matchRules(pubTypeRules, t); ok {
			return label
		}
	}
	return TypeOther
}

func hasRelSubstring(links []opds.Link, sub string) bool {
	for _, l := range links {
		for _, rel := range l.Rel {
			if containsFold(rel, sub) {
				return true
			}
		}
	}
	return false
}

func hasAudiobookLink(links []opds.Link) bool {
	for _, l := range links {
		if containsFold(l.Type, "audiobook") || hasPrefixFold(l.Type, "audio/") {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), prefix)
}
