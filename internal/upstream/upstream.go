// Package upstream reads the production hierarchy from the authoritative
// tracking system.
package upstream

import "context"

type Project struct {
	ID       int64    `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Division string   `json:"division" yaml:"division"`
	Site     string   `json:"site,omitempty" yaml:"site"`
	Tags     []string `json:"tags,omitempty" yaml:"tags"`
}

type Asset struct {
	ID        int64  `json:"id" yaml:"id"`
	Code      string `json:"code" yaml:"code"`
	AssetType string `json:"asset_type" yaml:"asset_type"`
}

type Shot struct {
	ID   int64  `json:"id" yaml:"id"`
	Code string `json:"code" yaml:"code"`
}

type Sequence struct {
	ID           int64  `json:"id" yaml:"id"`
	Code         string `json:"code" yaml:"code"`
	SequenceType string `json:"sequence_type,omitempty" yaml:"sequence_type"`
	Shots        []Shot `json:"shots" yaml:"shots"`
}

// ProjectFilter narrows the project universe.
type ProjectFilter struct {
	AvoidTags []string
	Restrict  []int64
}

// Source is the upstream dataset. Every call may block on the network.
type Source interface {
	Projects(ctx context.Context, f ProjectFilter) ([]Project, error)
	Assets(ctx context.Context, projectID int64) ([]Asset, error)
	Sequences(ctx context.Context, projectID int64) ([]Sequence, error)
}

func (f ProjectFilter) allows(p Project) bool {
	for _, t := range p.Tags {
		for _, avoid := range f.AvoidTags {
			if t == avoid {
				return false
			}
		}
	}
	if len(f.Restrict) == 0 {
		return true
	}
	for _, id := range f.Restrict {
		if id == p.ID {
			return true
		}
	}
	return false
}
