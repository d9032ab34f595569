package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/JamesEnglish1028/opds-tools/pkg/crawl"
)

// consoleSink prints crawl progress to stderr as it happens, the report
// itself goes to stdout once the crawl is done.
func consoleSink() crawl.Sink {
	dim := color.New(color.FgHiBlack)
	warn := color.New(color.FgRed)
	return crawl.SinkFunc(func(e crawl.Event) {
		switch e.Type {
		case crawl.EventStarted:
			dim.Fprintf(color.Error, "analyzing %s\n", e.URL)
		case crawl.EventPageFetched:
			dim.Fprintf(color.Error, "page %d fetched: %s\n", e.Page, e.URL)
		case crawl.EventPageProcessing:
			dim.Fprintf(color.Error, "page %d processed, %d publications so far\n", e.Page, e.Publications)
		case crawl.EventPageError:
			warn.Fprintf(color.Error, "page %d failed: %s\n", e.Page, e.Error)
		case crawl.EventComplete:
			dim.Fprintf(color.Error, "done: %d pages, %d publications\n", e.Pages, e.Publications)
		case crawl.EventError:
			warn.Fprintf(color.Error, "analysis failed: %s\n", e.Error)
		}
	})
}

func printJSON(w io.Writer, res *crawl.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// printReport renders the aggregate result as a readable console report
func printReport(w io.Writer, res *crawl.Result) {
	head := color.New(color.FgCyan, color.Bold)
	label := color.New(color.Bold)

	head.Fprintf(w, "\nFeed analysis: %s (%s)\n", res.StartURL, strings.ToUpper(res.Kind))
	fmt.Fprintln(w, strings.Repeat("=", 60))

	s := res.Summary
	label.Fprintln(w, "Summary")
	fmt.Fprintf(w, "  publications: %d\n", s.TotalPublications)
	fmt.Fprintf(w, "  pages analyzed: %d\n", s.PagesAnalyzed)
	if s.PagesWithErrors > 0 {
		fmt.Fprintf(w, "  pages with errors: %d\n", s.PagesWithErrors)
	}
	fmt.Fprintf(w, "  unique formats: %d\n", s.UniqueFormats)
	fmt.Fprintf(w, "  unique DRM types: %d\n", s.UniqueDRMTypes)
	fmt.Fprintf(w, "  bearer token: %d (%.1f%%)\n", s.BearerTokenPublications, s.BearerTokenPercent)
	fmt.Fprintf(w, "  audiobook links: %d (%.1f%%)\n", s.AudiobookPublications, s.AudiobookPercent)
	fmt.Fprintf(w, "  samples: %d (%.1f%%)\n", s.SamplePublications, s.SamplePercent)

	printStats(w, label, "Formats", res.FormatStats)
	printStats(w, label, "Format combinations", res.FormatComboStats)
	printStats(w, label, "DRM", res.DRMStats)
	printCounts(w, label, "DRM combinations", res.DRMCombinationCounts)
	printCounts(w, label, "Format and DRM pairs", res.CombinedCounts)
	printCounts(w, label, "Publication types", res.PubTypeCounts)

	if len(res.PageErrors) > 0 {
		label.Fprintln(w, "\nPage errors")
		for _, pe := range res.PageErrors {
			fmt.Fprintf(w, "  page %d %s: %s\n", pe.Page, pe.URL, pe.Error)
		}
	}

	for _, ps := range res.PageStats {
		if len(ps.Errors) == 0 && len(ps.Warnings) == 0 {
			continue
		}
		label.Fprintf(w, "\nPage %d findings (%s)\n", ps.Page, ps.URL)
		for _, e := range ps.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
		for _, warn := range ps.Warnings {
			fmt.Fprintf(w, "  warning: %s\n", warn)
		}
	}
}

func printStats(w io.Writer, label *color.Color, title string, stats []crawl.Stat) {
	if len(stats) == 0 {
		return
	}
	label.Fprintf(w, "\n%s\n", title)
	for _, st := range stats {
		fmt.Fprintf(w, "  %-32s %6d  %5.1f%%\n", st.Label, st.Count, st.Percent)
	}
}

func printCounts(w io.Writer, label *color.Color, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	label.Fprintf(w, "\n%s\n", title)
	for _, st := range statsForPrint(counts) {
		fmt.Fprintf(w, "  %-32s %6d\n", st.Label, st.Count)
	}
}

// statsForPrint orders a counter map by count descending, label ascending
func statsForPrint(counts map[string]int) []crawl.Stat {
	out := make([]crawl.Stat, 0, len(counts))
	for l, c := range counts {
		out = append(out, crawl.Stat{Label: l, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}
