package whisper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultModel is used when ASR_MODEL is unset.
const DefaultModel = "large-v3"

const ggmlBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// hubPrefix lets ASR_MODEL carry the Hugging Face id of the upstream
// checkpoint, e.g. "openai/whisper-small".
const hubPrefix = "openai/whisper-"

type Model struct {
	Name      string
	FileName  string
	URL       string
	SHA256    string
	SHA256URL string
	SizeMiB   int
}

type ResolvedModel struct {
	Name          string
	Path          string
	URL           string
	SHA256        string
	SHA256URL     string
	SizeMiB       int
	NeedsDownload bool
	IsCustomPath  bool
}

// DisplayName is the registry name, or the file name for custom paths.
func (m ResolvedModel) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return filepath.Base(m.Path)
}

func ggml(name, sha256 string, sizeMiB int) Model {
	file := "ggml-" + name + ".bin"
	return Model{Name: name, FileName: file, URL: ggmlBaseURL + file, SHA256: sha256, SizeMiB: sizeMiB}
}

var registry = map[string]Model{
	"tiny":     ggml("tiny", "be07e048e1e599ad46341c8d2a135645097a538221678b7acdd1b1919c6e1b21", 75),
	"base":     ggml("base", "60ed5bc3dd14eea856493d334349b405782ddcaf0028d4b5df4088345fba2efe", 142),
	"small":    ggml("small", "1be3a9b2063867b937e64e2ec7483364a79917e157fa98c5d94b5c1fffea987b", 466),
	"medium":   ggml("medium", "6c14d5adee5f86394037b4e4e8b59f1673b6cee10e3cf0b11bbdbee79c156208", 1533),
	"large-v3": ggml("large-v3", "64d182b440b98d5203c4f9bd541544d84c605196c4f7b845dfa11fb23594d1e2", 3095),
}

var aliases = map[string]string{
	"large": "large-v3",
}

func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupModel finds a registry model by name, Hugging Face id or alias,
// ignoring case.
func LookupModel(ref string) (Model, bool) {
	model, ok := registry[canonicalName(ref)]
	return model, ok
}

func canonicalName(ref string) string {
	name := strings.ToLower(strings.TrimSpace(ref))
	name = strings.TrimPrefix(name, hubPrefix)
	if target, ok := aliases[name]; ok {
		return target
	}
	return name
}

// ResolveModel maps an ASR_MODEL value to a model file. Registry models live
// under modelDir and may still need downloading; anything that looks like a
// path must already exist.
func ResolveModel(modelRef, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelRef) == "" {
		modelRef = DefaultModel
	}

	if model, ok := LookupModel(modelRef); ok {
		return resolveNamed(model, modelDir)
	}
	if looksLikePath(modelRef) {
		return resolveCustom(modelRef)
	}
	return ResolvedModel{}, fmt.Errorf("unknown model %q (known models: %s)", modelRef, strings.Join(ModelNames(), ", "))
}

func resolveNamed(model Model, modelDir string) (ResolvedModel, error) {
	if strings.TrimSpace(modelDir) == "" {
		return ResolvedModel{}, errors.New("model directory must not be empty for named model")
	}

	resolved := ResolvedModel{
		Name:      model.Name,
		Path:      filepath.Join(modelDir, model.FileName),
		URL:       model.URL,
		SHA256:    model.SHA256,
		SHA256URL: model.SHA256URL,
		SizeMiB:   model.SizeMiB,
	}

	switch _, err := os.Stat(resolved.Path); {
	case errors.Is(err, os.ErrNotExist):
		resolved.NeedsDownload = true
	case err != nil:
		return ResolvedModel{}, fmt.Errorf("stat model path: %w", err)
	}
	return resolved, nil
}

func resolveCustom(ref string) (ResolvedModel, error) {
	path := filepath.Clean(ref)
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ResolvedModel{}, fmt.Errorf("custom model path does not exist: %s", path)
	case err != nil:
		return ResolvedModel{}, fmt.Errorf("stat custom model path: %w", err)
	case info.IsDir():
		return ResolvedModel{}, fmt.Errorf("custom model path is a directory: %s", path)
	}
	return ResolvedModel{Path: path, IsCustomPath: true}, nil
}

func looksLikePath(input string) bool {
	return strings.ContainsRune(input, os.PathSeparator) || strings.HasSuffix(strings.ToLower(input), ".bin")
}
