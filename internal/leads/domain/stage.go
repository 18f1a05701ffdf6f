package domain

import (
	"fmt"
	"slices"
)

// Stage is one column of the pipeline board.
type Stage string

// StageSet is the configured, ordered list of pipeline stages.
// The zero value is empty and accepts nothing.
type StageSet struct {
	order []Stage
	index map[Stage]int
}

// NewStageSet builds an ordered stage set. Duplicates and empty names are rejected.
func NewStageSet(names ...string) (StageSet, error) {
	set := StageSet{
		order: make([]Stage, 0, len(names)),
		index: make(map[Stage]int, len(names)),
	}
	for _, name := range names {
		if name == "" {
			return StageSet{}, fmt.Errorf("empty stage name")
		}
		stage := Stage(name)
		if _, dup := set.index[stage]; dup {
			return StageSet{}, fmt.Errorf("duplicate stage %q", name)
		}
		set.index[stage] = len(set.order)
		set.order = append(set.order, stage)
	}
	if len(set.order) == 0 {
		return StageSet{}, fmt.Errorf("at least one stage is required")
	}
	return set, nil
}

// MustStageSet is NewStageSet for static stage lists; it panics on invalid input.
func MustStageSet(names ...string) StageSet {
	set, err := NewStageSet(names...)
	if err != nil {
		panic(err)
	}
	return set
}

// Contains reports whether stage is configured.
func (s StageSet) Contains(stage Stage) bool {
	_, ok := s.index[stage]
	return ok
}

// Index returns the position of stage, or -1.
func (s StageSet) Index(stage Stage) int {
	if i, ok := s.index[stage]; ok {
		return i
	}
	return -1
}

// Ordered returns a copy of the stages in board order.
func (s StageSet) Ordered() []Stage {
	return slices.Clone(s.order)
}

// First returns the entry stage of the pipeline.
func (s StageSet) First() Stage {
	if len(s.order) == 0 {
		return ""
	}
	return s.order[0]
}
