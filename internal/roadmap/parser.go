// Package roadmap converts generated roadmap text into domain steps and back.
//
// The wire shape is a JSON array of objects:
//
//	[{"step": "Title", "desc": "Description", "links": [{"label": "Resource", "url": "https://..."}]}]
package roadmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/careerpath/internal/domain"
)

// ErrMalformed is returned when text is not a well-formed roadmap.
var ErrMalformed = errors.New("malformed roadmap")

type wireLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type wireStep struct {
	Step  string     `json:"step"`
	Desc  string     `json:"desc"`
	Links []wireLink `json:"links"`
}

// Parse decodes a roadmap. It fails with ErrMalformed when the text is not a
// non-empty JSON array, an element is not an object, or an element lacks a
// non-empty string "step". An empty roadmap is indistinguishable from no
// roadmap once stored, so it is never a successful result. Missing "desc" or "links" decode as empty. Order is preserved.
func Parse(text string) (domain.Roadmap, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: top level is not an array", ErrMalformed)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrMalformed)
	}

	steps := make(domain.Roadmap, 0, len(raw))
	for i, elem := range raw {
		step, err := parseStep(elem)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrMalformed, i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseStep(elem json.RawMessage) (domain.RoadmapStep, error) {
	trimmed := bytes.TrimSpace(elem)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.RoadmapStep{}, errors.New("not an object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return domain.RoadmapStep{}, err
	}
	var title string
	rawTitle, ok := fields["step"]
	if !ok {
		return domain.RoadmapStep{}, errors.New(`missing "step"`)
	}
	if err := json.Unmarshal(rawTitle, &title); err != nil {
		return domain.RoadmapStep{}, errors.New(`"step" is not a string`)
	}
	if title == "" {
		return domain.RoadmapStep{}, errors.New(`empty "step"`)
	}

	var w wireStep
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return domain.RoadmapStep{}, err
	}

	links := make([]domain.Link, 0, len(w.Links))
	for _, l := range w.Links {
		links = append(links, domain.Link{Label: l.Label, URL: l.URL})
	}
	return domain.RoadmapStep{
		Title:       title,
		Description: w.Desc,
		Links:       links,
	}, nil
}

// Encode writes a roadmap in the same shape Parse reads.
func Encode(r domain.Roadmap) (string, error) {
	out := make([]wireStep, 0, len(r))
	for _, s := range r {
		links := make([]wireLink, 0, len(s.Links))
		for _, l := range s.Links {
			links = append(links, wireLink{Label: l.Label, URL: l.URL})
		}
		out = append(out, wireStep{Step: s.Title, Desc: s.Description, Links: links})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode roadmap: %w", err)
	}
	return string(data), nil
}
