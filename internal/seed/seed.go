// Package seed applies YAML span files to the ledger. A seed file describes
// the desired latest revision of each span it lists; applying it appends a
// new revision only where the ledger differs, so a file can be applied any
// number of times.
//
//	spans:
//	  - id: fn-observer
//	    entity_type: function
//	    who: user:ops
//	    this: observer_bot
//	    code: observer_bot
//	    visibility: public
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/spanledger/internal/integrity"
	"github.com/ashita-ai/spanledger/internal/model"
)

// namespace derives stable ids for seed spans that do not name one.
var namespace = uuid.MustParse("6f1c2c1e-9f0e-4b7a-9d38-5b8f0a2f51d4")

// File is one parsed seed file.
type File struct {
	Path  string       `yaml:"-"`
	Spans []model.Span `yaml:"spans"`
}

// Ledger is what Apply needs. *ledger.Ledger satisfies it.
type Ledger interface {
	Latest(ctx context.Context, id, entityType string) (model.Span, error)
	Ingest(ctx context.Context, s model.Span) (model.Span, error)
}

// Report summarizes an Apply.
type Report struct {
	Appended  int `json:"appended"`
	Unchanged int `json:"unchanged"`
}

// Load parses one seed file. Spans without an id get one derived from the
// file name and their position, so it is stable across loads.
func Load(path string) (File, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // seed paths come from operator config
	if err != nil {
		return File{}, fmt.Errorf("seed: read %s: %w", path, err)
	}
	f := File{Path: path}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("seed: parse %s: %w", path, err)
	}
	for i := range f.Spans {
		if f.Spans[i].ID == "" {
			f.Spans[i].ID = uuid.NewSHA1(namespace, []byte(fmt.Sprintf("%s#%d", filepath.Base(path), i))).String()
		}
	}
	return f, nil
}

// LoadDir parses every .yaml and .yml file in dir in name order.
func LoadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("seed: read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !isSeedFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]File, 0, len(names))
	for _, n := range names {
		f, err := Load(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func isSeedFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Apply appends every seed span that is missing from the ledger or whose
// latest revision differs from it. Pre-signed seed spans must verify.
func Apply(ctx context.Context, l Ledger, files []File, logger *slog.Logger) (Report, error) {
	var rep Report
	for _, f := range files {
		for _, s := range f.Spans {
			appended, err := applyOne(ctx, l, s)
			if err != nil {
				return rep, fmt.Errorf("seed: %s: span %s: %w", f.Path, s.ID, err)
			}
			if appended {
				rep.Appended++
				logger.Info("seed: span appended", "file", f.Path, "id", s.ID, "entity_type", s.EntityType)
			} else {
				rep.Unchanged++
			}
		}
	}
	return rep, nil
}

func applyOne(ctx context.Context, l Ledger, s model.Span) (bool, error) {
	if s.Signed() {
		if err := integrity.Verify(s); err != nil {
			return false, err
		}
	}
	if err := s.NormalizePayloads(); err != nil {
		return false, model.WrapError(model.KindValidation, "payload is not JSON-encodable", err)
	}

	latest, err := l.Latest(ctx, s.ID, s.EntityType)
	switch {
	case model.IsKind(err, model.KindNotFound):
	case err != nil:
		return false, err
	default:
		same, err := matches(s, latest)
		if err != nil || same {
			return false, err
		}
		if !s.Signed() {
			s.Seq = latest.Seq + 1
		}
	}

	if _, err := l.Ingest(ctx, s); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// matches reports whether every content field the seed sets (other than
// seq and at) already has the same value on latest.
func matches(seed, latest model.Span) (bool, error) {
	want := seed.WithoutIntegrity().ContentMap()
	have := latest.ContentMap()
	delete(want, "seq")
	if seed.At.IsZero() {
		delete(want, "at")
	}
	for k, v := range want {
		a, err := integrity.CanonicalizeValue(v)
		if err != nil {
			return false, err
		}
		b, err := integrity.CanonicalizeValue(have[k])
		if err != nil {
			return false, err
		}
		if !bytes.Equal(a, b) {
			return false, nil
		}
	}
	return true, nil
}
