package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kujibox/draw-engine/internal/model"
)

// exportFile is the audit input. JSON files parse as well, YAML being a
// superset.
type exportFile struct {
	Activity exportActivity     `yaml:"activity" json:"activity"`
	Draws    []model.DrawRecord `yaml:"draws" json:"draws"`
}

type exportActivity struct {
	ID             string             `yaml:"id" json:"id"`
	Name           string             `yaml:"name,omitempty" json:"name,omitempty"`
	CommitmentHash string             `yaml:"commitment_hash" json:"commitment_hash"`
	Seed           string             `yaml:"seed,omitempty" json:"seed,omitempty"`
	MajorCodes     []string           `yaml:"major_codes,omitempty" json:"major_codes,omitempty"`
	Levels         []model.PrizeLevel `yaml:"levels" json:"levels"`
}

func readExport(path string) (*exportFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f exportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Activity.Levels) == 0 {
		return nil, fmt.Errorf("parse %s: activity has no levels", path)
	}
	return &f, nil
}

// toModel converts the file to the activity the replay runs against. A level
// is major when flagged or listed in major_codes.
func (e exportActivity) toModel() *model.Activity {
	majors := make(map[string]bool, len(e.MajorCodes))
	for _, c := range e.MajorCodes {
		majors[c] = true
	}
	levels := make([]model.PrizeLevel, len(e.Levels))
	for i, l := range e.Levels {
		l.IsMajor = l.IsMajor || majors[l.Code]
		l.Remaining = l.Total
		levels[i] = l
	}
	return &model.Activity{
		ID:             e.ID,
		Name:           e.Name,
		Levels:         levels,
		MajorCodes:     e.MajorCodes,
		CommitmentHash: e.CommitmentHash,
		Seed:           e.Seed,
		Status:         model.StatusEnded,
	}
}
