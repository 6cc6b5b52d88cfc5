package upstream

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource serves the dataset from a YAML fixture. The file is re-read on
// every Projects call so edits show up on the next sync.
type FileSource struct {
	Path string

	data *fileData
}

type fileProject struct {
	Project   `yaml:",inline"`
	Assets    []Asset    `yaml:"assets"`
	Sequences []Sequence `yaml:"sequences"`
}

type fileData struct {
	Projects []fileProject `yaml:"projects"`
}

func (s *FileSource) load() (*fileData, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", s.Path, err)
	}
	var d fileData
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", s.Path, err)
	}
	return &d, nil
}

func (s *FileSource) Projects(ctx context.Context, f ProjectFilter) ([]Project, error) {
	d, err := s.load()
	if err != nil {
		return nil, err
	}
	s.data = d
	var out []Project
	for _, p := range d.Projects {
		if f.allows(p.Project) {
			out = append(out, p.Project)
		}
	}
	return out, nil
}

func (s *FileSource) project(id int64) (*fileProject, error) {
	if s.data == nil {
		d, err := s.load()
		if err != nil {
			return nil, err
		}
		s.data = d
	}
	for i := range s.data.Projects {
		if s.data.Projects[i].ID == id {
			return &s.data.Projects[i], nil
		}
	}
	return nil, fmt.Errorf("project %d not in dataset", id)
}

func (s *FileSource) Assets(ctx context.Context, projectID int64) ([]Asset, error) {
	p, err := s.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.Assets, nil
}

func (s *FileSource) Sequences(ctx context.Context, projectID int64) ([]Sequence, error) {
	p, err := s.project(projectID)
	if err != nil {
		return nil, err
	}
	return p.Sequences, nil
}
