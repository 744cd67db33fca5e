package picklerunner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/tagexpr"
)

// source is a pickle together with the file it was read from.
type source struct {
	file   string
	uri    string
	pickle *protocol.Pickle
}

func (s source) location() protocol.Location {
	return protocol.Location{URI: s.uri, Line: s.pickle.Line()}
}

// loadPickles reads a pickle file: either a JSON array of pickles or a
// stream of pickle objects (one per line). Pickles without a uri get the
// file path relative to baseDir.
func loadPickles(path, baseDir string) ([]source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pickles: %w", err)
	}

	var pickles []*protocol.Pickle
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &pickles); err != nil {
			return nil, fmt.Errorf("decode pickles %s: %w", path, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		for {
			var p protocol.Pickle
			err := dec.Decode(&p)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode pickles %s: %w", path, err)
			}
			pickles = append(pickles, &p)
		}
	}

	uri := path
	if rel, err := filepath.Rel(baseDir, path); err == nil && baseDir != "" {
		uri = rel
	}
	uri = filepath.ToSlash(uri)

	out := make([]source, 0, len(pickles))
	for _, p := range pickles {
		s := source{file: path, uri: uri, pickle: p}
		if p.URI != "" {
			s.uri = p.URI
		}
		out = append(out, s)
	}
	return out, nil
}

// filter decides which pickles are accepted.
type filter struct {
	names []*regexp.Regexp
	tags  *tagexpr.Expression
	lines map[string][]int
}

func newFilter(f protocol.Filters) (*filter, error) {
	out := &filter{lines: map[string][]int{}}
	for _, n := range f.Names {
		re, err := regexp.Compile(n)
		if err != nil {
			return nil, fmt.Errorf("name filter %q: %w", n, err)
		}
		out.names = append(out.names, re)
	}
	tags, err := tagexpr.Compile(f.TagExpression)
	if err != nil {
		return nil, fmt.Errorf("tag expression: %w", err)
	}
	out.tags = tags
	for path, lines := range f.Lines {
		out.lines[filepath.Clean(path)] = lines
	}
	return out, nil
}

func (f *filter) accepts(s source) (bool, error) {
	if lines, ok := f.lines[filepath.Clean(s.file)]; ok {
		matched := false
		for _, loc := range s.pickle.Locations {
			if slices.Contains(lines, loc.Line) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	if len(f.names) > 0 {
		matched := false
		for _, re := range f.names {
			if re.MatchString(s.pickle.Name) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return f.tags.Match(s.pickle.TagNames())
}

// order arranges the accepted pickles in place. Random order is
// reproducible for a given seed.
func order(sources []source, o protocol.Order) error {
	switch o.Type {
	case "", "defined":
		return nil
	case "random":
		var seed int64
		if o.Seed != nil {
			seed = *o.Seed
		}
		r := rand.New(rand.NewPCG(uint64(seed), 0))
		r.Shuffle(len(sources), func(i, j int) { sources[i], sources[j] = sources[j], sources[i] })
		return nil
	default:
		return fmt.Errorf("unknown order %q", o.Type)
	}
}
