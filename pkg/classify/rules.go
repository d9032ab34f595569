package classify

// Format labels produced by link-based detection.
const (
	FormatEPUB      = "EPUB"
	FormatPDF       = "PDF"
	FormatAudiobook = "AUDIOBOOK"
	FormatUnknown   = "UNKNOWN"
)

// DRM scheme labels. DRMNotApplicable marks formats that are never
// DRM-checked, DRMNone is the explicit "no protection" outcome and
// DRMUnknown marks a declared protection nothing recognized.
const (
	DRMReadiumLCP    = "Readium LCP"
	DRMAdobe         = "Adobe DRM"
	DRMWatermark     = "Watermark"
	DRMBearerToken   = "Bearer Token"
	DRMNone          = "No DRM"
	DRMUnknown       = "Unknown DRM"
	DRMNotApplicable = "N/A"
)

// Publication type labels mapped from schema.org @type values.
const (
	TypeBook       = "Book"
	TypeAudiobook  = "Audiobook"
	TypePeriodical = "Periodical"
	TypeOther      = "Other"
)

// substringRule maps a lowercased substring (or prefix) match to a
// label. Rules are evaluated in slice order and the first hit wins,
// which keeps the precedence explicit and each rule independently
// testable.
type substringRule struct {
	contains string
	prefix   string
	label    string
}

func (r substringRule) matches(s string) bool {
	if r.contains != "" && containsFold(s, r.contains) {
		return true
	}
	return r.prefix != "" && hasPrefixFold(s, r.prefix)
}

func matchRules(rules []substringRule, s string) (string, bool) {
	for _, r := range rules {
		if r.matches(s) {
			return r.label, true
		}
	}
	return "", false
}

// formatRules classify acquisition-link media types. Types that miss
// every rule fall through to vendor-suffix derivation for application/*
// types (see vendorFormat).
var formatRules = []substringRule{
	{contains: "epub", label: FormatEPUB},
	{contains: "pdf", label: FormatPDF},
	{contains: "audiobook", label: FormatAudiobook},
	{prefix: "audio/", label: FormatAudiobook},
}

// drmBlobRules match the serialized link properties of an acquisition
// link. LCP outranks Adobe so that a feed advertising both indirect
// schemes reports the one actually enforced at delivery.
var drmBlobRules = []substringRule{
	{contains: "lcp", label: DRMReadiumLCP},
	{contains: "adobe", label: DRMAdobe},
	{contains: "adept", label: DRMAdobe},
}

// protectionRules match entries of a license's protection.format array.
var protectionRules = []substringRule{
	{contains: "adobe", label: DRMAdobe},
	{contains: "adept", label: DRMAdobe},
	{contains: "readium", label: DRMReadiumLCP},
	{contains: "lcp", label: DRMReadiumLCP},
	{contains: "watermark", label: DRMWatermark},
}

// licenseFormatRules normalize license.metadata.format media types to
// display labels. Unmatched application subtypes are title-cased.
var licenseFormatRules = []substringRule{
	{contains: "epub", label: "EPUB"},
	{contains: "pdf", label: "PDF"},
	{contains: "audio", label: "Audiobook"},
	{contains: "webpub", label: "WebPublication"},
	{contains: "html", label: "WebPublication"},
	{contains: "opf", label: "OPEB"},
	{contains: "oebps", label: "OPEB"},
}

// pubTypeRules match the tail of a schema.org type URI. The ebook rule
// precedes book so http://schema.org/EBook lands on Book via either.
var pubTypeRules = []substringRule{
	{contains: "audiobook", label: TypeAudiobook},
	{contains: "ebook", label: TypeBook},
	{contains: "book", label: TypeBook},
	{contains: "periodical", label: TypePeriodical},
	{contains: "publicationissue", label: TypePeriodical},
	{contains: "article", label: TypePeriodical},
}
