package cmd

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// loadManifest reads job spec from YAML over defaults. Relative paths are
// resolved against the manifest directory.
func loadManifest(path string, defaults pipeline.JobSpec) (pipeline.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pipeline.JobSpec{}, errors.Wrapf(err, "Can't read manifest '%s'", path)
	}
	spec := defaults
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return pipeline.JobSpec{}, errors.Wrapf(err, "Can't parse manifest '%s'", path)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return pipeline.JobSpec{}, errors.Wrap(err, "Can't resolve manifest dir")
	}
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	inputs := make([]string, 0, len(spec.Inputs))
	for _, pattern := range spec.Inputs {
		inputs = append(inputs, resolve(pattern))
	}
	spec.Inputs = inputs
	for i := range spec.Videos {
		spec.Videos[i].Path = resolve(spec.Videos[i].Path)
	}
	spec.Detector.ReplayPath = resolve(spec.Detector.ReplayPath)
	return spec, nil
}
