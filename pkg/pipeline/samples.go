package pipeline

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed samples/*.yaml
var sampleFS embed.FS

// SamplePipelines returns the built-in example definitions, sorted by id.
func SamplePipelines() ([]*Pipeline, error) {
	paths, err := fs.Glob(sampleFS, "samples/*.yaml")
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(paths))
	for _, path := range paths {
		src, err := sampleFS.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, err := ParseYAML(src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SeedSamples registers the built-in definitions that are not already in the
// store.
func SeedSamples(ctx context.Context, store Store) error {
	samples, err := SamplePipelines()
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	for _, p := range samples {
		if _, err := store.GetPipeline(ctx, p.ID); err == nil {
			continue
		} else if !errors.As(err, new(*NotFoundError)) {
			return err
		}
		if _, err := store.CreatePipeline(ctx, *p); err != nil {
			return fmt.Errorf("seed %q: %w", p.ID, err)
		}
	}
	return nil
}
