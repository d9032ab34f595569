// Package validate checks fetched pages against the OPDS 2.0 feed
// schema and a stricter structural model. Validation never halts a
// crawl: schema failures degrade to page warnings, structural failures
// block only the affected page's extraction, and per-publication
// findings attach to the publication without touching its siblings.
package validate

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/JamesEnglish1028/opds-tools/pkg/opds"
)

//go:embed schema/opds2-feed.schema.json
var feedSchema []byte

const schemaURL = "https://opds-tools.local/schema/opds2-feed.schema.json"

// Validator holds the compiled feed schema. It is immutable after New
// and safe for concurrent use.
type Validator struct {
	schema  *jsonschema.Schema
	printer *message.Printer
}

// New compiles the embedded feed schema.
func New() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(feedSchema))
	if err != nil {
		return nil, fmt.Errorf("decode embedded feed schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("register feed schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile feed schema: %w", err)
	}
	return &Validator{schema: schema, printer: message.NewPrinter(language.English)}, nil
}

// Report collects findings for one page or one publication. Errors
// block extraction of the checked unit; warnings are informational.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// OK reports whether no errors were recorded.
func (r Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// CheckFeed validates one decoded page body. Schema violations are
// reported as warnings, structural-model violations as errors.
func (v *Validator) CheckFeed(doc any) Report {
	var rep Report
	if err := v.schema.Validate(doc); err != nil {
		for _, msg := range v.flatten(err) {
			rep.warnf("schema: %s", msg)
		}
	}
	v.checkStructure(doc, &rep)
	return rep
}

// flatten walks a validation error tree and returns one message per
// leaf cause, prefixed with its instance location.
func (v *Validator) flatten(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/" + strings.Join(e.InstanceLocation, "/")
			out = append(out, fmt.Sprintf("%s: %s", loc, e.ErrorKind.LocalizedString(v.printer)))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)
	return out
}

// checkStructure applies the structural model: the page must be a JSON
// object carrying a metadata object, and publications (top-level or in
// groups) must be objects with metadata objects. These are the minimum
// guarantees extraction relies on.
func (v *Validator) checkStructure(doc any, rep *Report) {
	root, ok := doc.(map[string]any)
	if !ok {
		rep.errorf("feed is not a JSON object")
		return
	}
	if _, ok := root["metadata"].(map[string]any); !ok {
		rep.errorf("feed has no metadata object")
	}

	pubs, hasPubs := root["publications"]
	_, hasNav := root["navigation"]
	groups, hasGroups := root["groups"]
	if !hasPubs && !hasNav && !hasGroups {
		rep.errorf("feed declares no publications, navigation or groups")
	}
	if hasPubs {
		v.checkPublicationList(pubs, "publications", rep)
	}
	if hasGroups {
		list, ok := groups.([]any)
		if !ok {
			rep.errorf("groups is not a list")
			return
		}
		for i, g := range list {
			group, ok := g.(map[string]any)
			if !ok {
				rep.errorf("groups[%d] is not an object", i)
				continue
			}
			if gp, ok := group["publications"]; ok {
				v.checkPublicationList(gp, fmt.Sprintf("groups[%d].publications", i), rep)
			}
		}
	}
}

func (v *Validator) checkPublicationList(val any, path string, rep *Report) {
	list, ok := val.([]any)
	if !ok {
		rep.errorf("%s is not a list", path)
		return
	}
	for i, p := range list {
		pub, ok := p.(map[string]any)
		if !ok {
			rep.errorf("%s[%d] is not an object", path, i)
			continue
		}
		if _, ok := pub["metadata"].(map[string]any); !ok {
			rep.errorf("%s[%d] has no metadata object", path, i)
		}
	}
}

// CheckPublication applies per-publication checks beyond shape. A
// missing identifier is a warning; a present identifier without a URI
// scheme is an error since downstream systems key on it. Missing
// author or cover are informational.
func (v *Validator) CheckPublication(rec opds.Record) Report {
	var rep Report
	name := rec.Title
	if name == "" {
		name = "(untitled)"
	}

	switch {
	case rec.Identifier == "":
		rep.warnf("%s: missing identifier", name)
	case !opds.IsValidURI(rec.Identifier):
		rep.errorf("%s: identifier %q is not a valid URI", name, rec.Identifier)
	}
	if rec.Title == "" {
		rep.warnf("publication has no title")
	}
	if rec.Author == "" {
		rep.warnf("%s: missing author", name)
	}
	if !rec.HasCover() {
		rep.warnf("%s: missing cover image", name)
	}
	return rep
}
