package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// buildBackendScript is a small PEP 517 driver, invoked with the project
// directory, build backend import path, hook name, and an output directory
// as arguments, and communicating its result as a single JSON line on
// stdout — the same "one embedded script, one exec.CommandContext call"
// shape as python/env.go's pythonScript, generalized to take arguments
// instead of being fully self-contained.
const buildBackendScript = `import sys, json, importlib

project_dir, backend_name, hook, out_dir = sys.argv[1:5]
sys.path.insert(0, project_dir)
backend = importlib.import_module(backend_name)

try:
    if hook == "get_requires_for_build_wheel":
        result = backend.get_requires_for_build_wheel()
    elif hook == "prepare_metadata_for_build_wheel":
        result = backend.prepare_metadata_for_build_wheel(out_dir)
    elif hook == "build_wheel":
        result = backend.build_wheel(out_dir)
    else:
        raise ValueError(f"unknown hook {hook}")
    print(json.dumps({"ok": True, "result": result}))
except Exception as exc:
    print(json.dumps({"ok": False, "error": str(exc)}))
`

// BuildBackend invokes a PEP 517 build backend's hooks through the host (or
// an isolated) Python interpreter.
type BuildBackend struct {
	pythonPath string
	importPath string // e.g. "setuptools.build_meta"
}

// NewBuildBackend constructs a BuildBackend for the given interpreter and
// `build-system.build-backend` import path.
func NewBuildBackend(pythonPath, importPath string) *BuildBackend {
	if importPath == "" {
		importPath = "setuptools.build_meta"
	}

	return &BuildBackend{pythonPath: pythonPath, importPath: importPath}
}

type hookResult struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Result any    `json:"result"`
}

func (b *BuildBackend) runHook(ctx context.Context, projectDir, hook, outDir string) (hookResult, error) {
	cmd := exec.CommandContext(ctx, b.pythonPath, "-c", buildBackendScript, projectDir, b.importPath, hook, outDir)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return hookResult{}, fmt.Errorf("running %s hook %s: %w: %s", b.importPath, hook, err, stderr.String())
	}

	var res hookResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return hookResult{}, fmt.Errorf("decoding %s hook %s output: %w", b.importPath, hook, err)
	}

	if !res.OK {
		return hookResult{}, fmt.Errorf("%s hook %s failed: %s", b.importPath, hook, res.Error)
	}

	return res, nil
}

// GetRequiresForBuildWheel returns the backend's dynamic build requirements
// (spec §4.4 "Build isolation": seeded alongside build-system.requires).
func (b *BuildBackend) GetRequiresForBuildWheel(ctx context.Context, projectDir string) ([]string, error) {
	res, err := b.runHook(ctx, projectDir, "get_requires_for_build_wheel", "")
	if err != nil {
		return nil, err
	}

	return toStringSlice(res.Result), nil
}

// PrepareMetadataForBuildWheel invokes the hook of the same name, writing a
// `*.dist-info` directory under outDir and returning its path, implementing
// spec §4.4 acquisition strategy 3's primary path.
func (b *BuildBackend) PrepareMetadataForBuildWheel(ctx context.Context, projectDir, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating metadata output dir: %w", err)
	}

	res, err := b.runHook(ctx, projectDir, "prepare_metadata_for_build_wheel", outDir)
	if err != nil {
		return "", err
	}

	name, _ := res.Result.(string)
	if name == "" {
		return "", fmt.Errorf("%s did not report a dist-info directory name", b.importPath)
	}

	return filepath.Join(outDir, name), nil
}

// BuildWheel invokes the full `build_wheel` hook, for the strategy 3
// fallback when `prepare_metadata_for_build_wheel` is unsupported.
func (b *BuildBackend) BuildWheel(ctx context.Context, projectDir, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating build output dir: %w", err)
	}

	res, err := b.runHook(ctx, projectDir, "build_wheel", outDir)
	if err != nil {
		return "", err
	}

	name, _ := res.Result.(string)
	if name == "" {
		return "", fmt.Errorf("%s did not report a wheel filename", b.importPath)
	}

	return filepath.Join(outDir, name), nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
