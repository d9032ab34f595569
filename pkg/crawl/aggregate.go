package crawl

import (
	"github.com/JamesEnglish1028/opds-tools/pkg/classify"
	"github.com/JamesEnglish1028/opds-tools/pkg/opds"
)

// aggregator folds classification results into running counters. It is
// scoped to one crawl and mutated only from the walker's processing
// loop, so it needs no locking even in parallel-fetch mode.
type aggregator struct {
	formats      map[string]int
	formatCombos map[string]int
	drm          map[string]int
	drmCombos    map[string]int
	pairs        map[string]int
	pubTypes     map[string]int

	total      int
	bearer     int
	audiobooks int
	samples    int

	inventory []InventoryItem
}

func newAggregator() *aggregator {
	return &aggregator{
		formats:      map[string]int{},
		formatCombos: map[string]int{},
		drm:          map[string]int{},
		drmCombos:    map[string]int{},
		pairs:        map[string]int{},
		pubTypes:     map[string]int{},
	}
}

// add folds one publication. Multi-format publications increment each
// format counter, so format counts may sum past the total; the
// combination counters increment exactly once per publication and are
// the ones that partition it.
func (a *aggregator) add(rec opds.Record, res classify.Result) {
	a.total++

	for _, f := range res.Formats {
		a.formats[f]++
	}
	a.formatCombos[res.FormatCombo]++

	for _, s := range res.DRMSchemes {
		if s == classify.DRMNotApplicable {
			continue
		}
		a.drm[s]++
	}
	if res.DRMCombo != "" && res.DRMCombo != classify.DRMNotApplicable {
		a.drmCombos[res.DRMCombo]++
	}
	for _, p := range res.Pairs {
		a.pairs[p]++
	}
	a.pubTypes[res.PubType]++

	if res.BearerToken {
		a.bearer++
	}
	if res.AudiobookLink {
		a.audiobooks++
	}
	if res.SampleLink {
		a.samples++
	}

	a.inventory = append(a.inventory, InventoryItem{
		Identifier: rec.Identifier,
		Title:      rec.Title,
		Author:     rec.Author,
		Publisher:  rec.Publisher,
		Formats:    res.Formats,
		DRM:        res.DRMSchemes,
		PubType:    res.PubType,
	})
}

// snapshot assembles the final result from the running counters.
func (a *aggregator) snapshot(startURL string, kind classify.Kind, pageStats []PageStat, pageErrors []PageError) *Result {
	errPages := len(pageErrors)
	for _, ps := range pageStats {
		if len(ps.Errors) > 0 {
			errPages++
		}
	}

	return &Result{
		StartURL: startURL,
		Kind:     string(kind),

		FormatCounts:            a.formats,
		FormatCombinationCounts: a.formatCombos,
		DRMCounts:               a.drm,
		DRMCombinationCounts:    a.drmCombos,
		CombinedCounts:          a.pairs,
		PubTypeCounts:           a.pubTypes,

		FormatStats:      statsFromCounts(a.formats, a.total),
		FormatComboStats: statsFromCounts(a.formatCombos, a.total),
		DRMStats:         statsFromCounts(a.drm, a.total),

		PageStats:  pageStats,
		PageErrors: pageErrors,
		Inventory:  a.inventory,
		Summary: Summary{
			TotalPublications:       a.total,
			PagesAnalyzed:           len(pageStats),
			PagesWithErrors:         errPages,
			UniqueFormats:           len(a.formats),
			UniqueDRMTypes:          len(a.drm),
			BearerTokenPublications: a.bearer,
			AudiobookPublications:   a.audiobooks,
			SamplePublications:      a.samples,
			BearerTokenPercent:      percent(a.bearer, a.total),
			AudiobookPercent:        percent(a.audiobooks, a.total),
			SamplePercent:           percent(a.samples, a.total),
		},
	}
}
