package cache

import (
	"encoding/json"
	"sort"
)

// FileMeta is what the cache knows about one tracked file.
type FileMeta struct {
	AccessTime int64 `json:"accessTime"` // unix milliseconds
	Size       int64 `json:"size"`
}

// Manifest maps tracked paths to their metadata.
type Manifest map[string]FileMeta

func (m Manifest) used() int64 {
	var total int64
	for _, meta := range m {
		total += meta.Size
	}
	return total
}

func (m Manifest) clone() Manifest {
	out := make(Manifest, len(m))
	for p, meta := range m {
		out[p] = meta
	}
	return out
}

func (m Manifest) encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "\t")
}

func decodeManifest(data []byte) (Manifest, error) {
	m := make(Manifest)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = make(Manifest)
	}
	return m, nil
}

type candidate struct {
	path string
	FileMeta
}

// evictionOrder lists the entries that may be evicted, oldest access first.
// Equal access times are ordered by path so the choice is deterministic.
func (m Manifest) evictionOrder(skip func(string) bool) []candidate {
	files := make([]candidate, 0, len(m))
	for p, meta := range m {
		if skip(p) {
			continue
		}
		files = append(files, candidate{path: p, FileMeta: meta})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].AccessTime != files[j].AccessTime {
			return files[i].AccessTime < files[j].AccessTime
		}
		return files[i].path < files[j].path
	})
	return files
}

// paths returns the tracked paths in sorted order.
func (m Manifest) paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
