package dataset

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"
)

// Record is one object of the feed.
type Record = map[string]any

// Dataset holds the records pushed on connect and the records drained
// afterwards, one per tick.
type Dataset struct {
	Initial   []Record `yaml:"initial" json:"initial"`
	Recurring []Record `yaml:"recurring" json:"recurring"`
}

var ErrEmpty = errors.New("dataset has no initial or recurring records")

// Demo is served when no dataset file is configured.
func Demo() Dataset {
	return Dataset{
		Initial: []Record{
			{"id": 1, "title": "France Info", "image": "/img/franceinfo.png"},
		},
		Recurring: []Record{
			{"id": 2, "title": "France Inter", "image": "/img/franceinter.png"},
			{"id": 3, "title": "France Culture", "image": "/img/franceculture.png"},
			{"id": 1, "title": "France Info (live)", "image": "/img/franceinfo-live.png"},
		},
	}
}

// Load reads a dataset from a YAML or JSON file. JSON parses as YAML.
func Load(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("read dataset: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("parse dataset: %w", err)
	}
	if len(ds.Initial) == 0 && len(ds.Recurring) == 0 {
		return Dataset{}, ErrEmpty
	}
	return ds, nil
}

// Clone copies records so the copy can be drained or mutated without
// touching the source. Nested values are shared.
func Clone(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = maps.Clone(r)
	}
	return out
}
