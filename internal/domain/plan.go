package domain

// Profile is the user-supplied input a roadmap is generated from.
type Profile struct {
	Name     string `json:"name" bson:"name"`
	Interest string `json:"interest" bson:"interest"`
	Goal     string `json:"goal" bson:"goal"`
}

// Complete reports whether the profile has enough to build a plan.
// Goal is optional.
func (p Profile) Complete() bool {
	return p.Name != "" && p.Interest != ""
}

// Link is a labelled resource attached to a roadmap step.
type Link struct {
	Label string `json:"label" bson:"label"`
	URL   string `json:"url" bson:"url"`
}

// RoadmapStep is one stage of a roadmap.
type RoadmapStep struct {
	Title       string `json:"title" bson:"title"`
	Description string `json:"description" bson:"description"`
	Links       []Link `json:"links" bson:"links"`
}

// Roadmap is an ordered sequence of steps; order is progression order.
type Roadmap []RoadmapStep

// Clone returns a deep copy so callers can't mutate a roadmap they were handed.
func (r Roadmap) Clone() Roadmap {
	if r == nil {
		return nil
	}
	out := make(Roadmap, len(r))
	for i, step := range r {
		out[i] = step
		if step.Links != nil {
			out[i].Links = append([]Link(nil), step.Links...)
		}
	}
	return out
}

// PlanRecord is the single persisted unit per user.
type PlanRecord struct {
	Profile `bson:",inline"`
	Roadmap Roadmap `json:"roadmap,omitempty" bson:"roadmap,omitempty"`
}

// HasRoadmap returns true if the record carries a generated roadmap.
func (r *PlanRecord) HasRoadmap() bool {
	return r != nil && len(r.Roadmap) > 0
}

// Clone returns a deep copy of the record.
func (r *PlanRecord) Clone() *PlanRecord {
	if r == nil {
		return nil
	}
	return &PlanRecord{Profile: r.Profile, Roadmap: r.Roadmap.Clone()}
}
