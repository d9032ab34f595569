package crawl

import "sort"

// Stat is one labeled counter with its share of totalPublications.
type Stat struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// PageError records a page that could not be fetched.
type PageError struct {
	URL   string `json:"url"`
	Page  int    `json:"page"`
	Error string `json:"error"`
}

// PageStat records validation findings and counts for one fetched page.
type PageStat struct {
	URL          string   `json:"url"`
	Page         int      `json:"page"`
	Publications int      `json:"publications"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// InventoryItem is one classified publication in the final listing.
type InventoryItem struct {
	Identifier string   `json:"identifier,omitempty"`
	Title      string   `json:"title"`
	Author     string   `json:"author,omitempty"`
	Publisher  string   `json:"publisher,omitempty"`
	Formats    []string `json:"formats"`
	DRM        []string `json:"drm"`
	PubType    string   `json:"pubType"`
}

// Summary carries the headline numbers of one crawl.
type Summary struct {
	TotalPublications       int     `json:"totalPublications"`
	PagesAnalyzed           int     `json:"pagesAnalyzed"`
	PagesWithErrors         int     `json:"pagesWithErrors"`
	UniqueFormats           int     `json:"uniqueFormats"`
	UniqueDRMTypes          int     `json:"uniqueDrmTypes"`
	BearerTokenPublications int     `json:"bearerTokenPublications"`
	AudiobookPublications   int     `json:"audiobookPublications"`
	SamplePublications      int     `json:"samplePublications"`
	BearerTokenPercent      float64 `json:"bearerTokenPercent"`
	AudiobookPercent        float64 `json:"audiobookPercent"`
	SamplePercent           float64 `json:"samplePercent"`
}

// Result is the complete outcome of one crawl, owned by the caller.
// Nothing in it refers back to walker state.
type Result struct {
	StartURL string `json:"startUrl"`
	Kind     string `json:"kind"`

	FormatCounts            map[string]int `json:"formatCounts"`
	FormatCombinationCounts map[string]int `json:"formatCombinationCounts"`
	DRMCounts               map[string]int `json:"drmCounts"`
	DRMCombinationCounts    map[string]int `json:"drmCombinationCounts"`
	CombinedCounts          map[string]int `json:"combinedCounts"`
	PubTypeCounts           map[string]int `json:"pubTypeCounts"`

	FormatStats      []Stat `json:"formatStats"`
	FormatComboStats []Stat `json:"formatComboStats"`
	DRMStats         []Stat `json:"drmStats"`

	PageStats  []PageStat      `json:"pageStats"`
	PageErrors []PageError     `json:"pageErrors,omitempty"`
	Inventory  []InventoryItem `json:"inventory"`
	Summary    Summary         `json:"summary"`
}

// statsFromCounts converts a counter map to a list sorted by count
// descending, label ascending for equal counts. Percentages are over
// total, with zero totals yielding zero percentages.
func statsFromCounts(counts map[string]int, total int) []Stat {
	out := make([]Stat, 0, len(counts))
	for label, count := range counts {
		out = append(out, Stat{Label: label, Count: count, Percent: percent(count, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func percent(count, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total) * 100
}
