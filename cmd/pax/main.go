package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/halvardsh/pax/internal/cache"
	"github.com/halvardsh/pax/internal/diagnostics"
	"github.com/halvardsh/pax/internal/downloader"
	"github.com/halvardsh/pax/internal/installer"
	"github.com/halvardsh/pax/internal/lockfile"
	"github.com/halvardsh/pax/internal/metadata"
	"github.com/halvardsh/pax/internal/names"
	"github.com/halvardsh/pax/internal/pep440"
	"github.com/halvardsh/pax/internal/pep508"
	"github.com/halvardsh/pax/internal/python"
	"github.com/halvardsh/pax/internal/registry"
	"github.com/halvardsh/pax/internal/resolver"
	"github.com/halvardsh/pax/internal/selector"
)

var version = "0.0.0"

const defaultIndexURL = "https://pypi.org/simple/"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "pax",
		Short:         "A fast Python package installer",
		Long:          "pax is a drop-in replacement for pip install that resolves and installs packages concurrently.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	installCmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Install Python packages",
		Args:  cobra.MinimumNArgs(0),
		RunE:  runInstall,
	}

	installCmd.Flags().StringP("requirements", "r", "", "Install from requirements file")
	installCmd.Flags().IntP("jobs", "j", 0, "Max concurrent downloads/installs (default: GOMAXPROCS downloads, 8 installs)")
	installCmd.Flags().String("python", "python3", "Python binary to use")
	installCmd.Flags().String("target", "", "Target directory (default: auto-detect site-packages)")
	installCmd.Flags().String("index-url", defaultIndexURL, "Base URL of the PEP 503/691 simple index")
	installCmd.Flags().StringSlice("find-links", nil, "Additional flat index directories or URLs")
	installCmd.Flags().String("lockfile", "pax.lock", "Path to read/write the resolved lockfile")
	installCmd.Flags().Bool("no-lockfile", false, "Don't write a lockfile after a successful install")
	installCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	installCmd.Flags().Bool("dry-run", false, "Show the resolution plan without downloading or installing")
	installCmd.Flags().Bool("no-deps", false, "Skip dependencies, install only the requested packages")
	installCmd.Flags().Bool("pre", false, "Allow pre-release candidates unconditionally")

	rootCmd.AddCommand(installCmd)

	return rootCmd.Execute()
}

type installFlags struct {
	reqFile     string
	jobs        int
	pythonBin   string
	targetDir   string
	indexURL    string
	findLinks   []string
	lockfile    string
	noLockfile  bool
	verbose     bool
	dryRun      bool
	noDeps      bool
	allowPre    bool
}

func parseInstallFlags(cmd *cobra.Command) installFlags {
	reqFile, _ := cmd.Flags().GetString("requirements")
	jobs, _ := cmd.Flags().GetInt("jobs")
	pythonBin, _ := cmd.Flags().GetString("python")
	targetDir, _ := cmd.Flags().GetString("target")
	indexURL, _ := cmd.Flags().GetString("index-url")
	findLinks, _ := cmd.Flags().GetStringSlice("find-links")
	lockPath, _ := cmd.Flags().GetString("lockfile")
	noLockfile, _ := cmd.Flags().GetBool("no-lockfile")
	verbose, _ := cmd.Flags().GetBool("verbose")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDeps, _ := cmd.Flags().GetBool("no-deps")
	allowPre, _ := cmd.Flags().GetBool("pre")

	return installFlags{reqFile, jobs, pythonBin, targetDir, indexURL, findLinks, lockPath, noLockfile, verbose, dryRun, noDeps, allowPre}
}

func runInstall(cmd *cobra.Command, args []string) error {
	start := time.Now()
	flags := parseInstallFlags(cmd)

	requirementStrs, err := collectRequirements(args, flags.reqFile)
	if err != nil {
		return err
	}

	if len(requirementStrs) == 0 {
		return fmt.Errorf("no packages specified; use 'pax install <pkg>' or 'pax install -r requirements.txt'")
	}

	logger := newLogger(flags.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootReqs := make([]pep508.Requirement, 0, len(requirementStrs))
	rootSources := make(map[names.PackageName]pep508.RequirementSource, len(requirementStrs))

	for _, s := range requirementStrs {
		req, err := pep508.ParseRequirement(s)
		if err != nil {
			return fmt.Errorf("parsing requirement %q: %w", s, err)
		}

		rootReqs = append(rootReqs, req)
		rootSources[req.Name] = req.Source
	}

	env, err := detectEnv(ctx, flags.pythonBin, flags.targetDir, logger)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	store, err := cache.New(cache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}

	compatTags := buildCompatTags(env)

	reg := buildRegistry(flags.indexURL, flags.findLinks, httpClient, compatTags, logger)

	provider := metadata.New(reg,
		metadata.WithLogger(logger),
		metadata.WithHTTPClient(httpClient),
		metadata.WithCache(store),
		metadata.WithGitSource(registry.NewGitSource(logger)),
		metadata.WithPythonBin(env.PythonPath),
	)

	sel := selector.New(reg, selector.WithLogger(logger))
	if flags.allowPre {
		sel = selector.New(reg, selector.WithLogger(logger), selector.WithPreReleaseMode(selector.PreReleaseAllow))
	}

	preferences := loadPreferences(flags.lockfile, logger)

	resolverOpts := []resolver.Option{resolver.WithLogger(logger)}
	if len(preferences) > 0 {
		resolverOpts = append(resolverOpts, resolver.WithPreferences(preferences))
	}

	resolverSvc := resolver.New(provider, sel, resolverOpts...)

	markerEnv := buildMarkerEnv(env)

	fmt.Println("Resolving dependencies...")

	graph, err := resolverSvc.Resolve(ctx, rootReqs, markerEnvToPep508(markerEnv))
	if err != nil {
		return fmt.Errorf("resolving dependencies: %w", err)
	}

	printResolutionSummary(graph)

	targets, err := buildInstallTargets(ctx, graph, reg, rootSources)
	if err != nil {
		return err
	}

	installed, err := installer.ScanEnvironment(env.SitePackages)
	if err != nil {
		return fmt.Errorf("scanning installed environment: %w", err)
	}

	plan := installer.ComputePlan(targets, installed)

	fmt.Printf("\n%s\n", plan.Summary())

	if flags.dryRun {
		printDryRun(plan)

		return nil
	}

	if err := downloadTargets(ctx, plan, store, httpClient, flags.jobs, logger); err != nil {
		return err
	}

	fmt.Println("\nInstalling...")

	inst := installer.New(env, installer.WithLogger(logger))

	execOpts := installer.ExecuteOptions{Concurrency: flags.jobs}
	if err := inst.Execute(ctx, plan, execOpts); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}

	fmt.Printf("  done: %d installed, %d replaced, %d uninstalled\n",
		len(plan.Install), len(plan.Replace), len(plan.Uninstall))

	if !flags.noLockfile {
		if err := writeLockfile(graph, rootSources, flags.lockfile); err != nil {
			logger.Warn("failed to write lockfile", slog.String("error", err.Error()))
		}
	}

	fmt.Printf("\nDone in %.1fs\n", time.Since(start).Seconds())

	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func detectEnv(ctx context.Context, pythonBin, targetDir string, logger *slog.Logger) (*python.Environment, error) {
	pyDetector := python.New(python.WithPythonBin(pythonBin), python.WithLogger(logger))

	env, err := pyDetector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting Python environment: %w", err)
	}

	if targetDir != "" {
		absTarget, err := filepath.Abs(targetDir)
		if err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}

		env.SitePackages = absTarget
	}

	logger.Debug("detected Python environment",
		slog.String("prefix", env.Prefix),
		slog.String("site-packages", env.SitePackages),
		slog.String("platform", env.PlatformTag),
		slog.String("version", env.PythonVersion),
		slog.Bool("venv", env.IsVirtualEnv),
	)

	return env, nil
}

func buildRegistry(indexURL string, findLinks []string, httpClient *http.Client, compatTags []registry.WheelTag, logger *slog.Logger) *registry.Registry {
	indexes := []registry.Index{registry.NewSimpleIndex(indexURL, 0, httpClient)}

	for i, fl := range findLinks {
		indexes = append(indexes, registry.NewFlatIndex(fl, i+1, httpClient))
	}

	return registry.New(indexes, registry.WithLogger(logger), registry.WithCompatTags(compatTags))
}

func loadPreferences(path string, logger *slog.Logger) map[names.PackageName]pep440.Version {
	doc, err := lockfile.LoadFile(path)
	if err != nil {
		return nil
	}

	prefs := make(map[names.PackageName]pep440.Version, len(doc.Packages))

	for _, p := range doc.Packages {
		v, err := pep440.Parse(p.Version)
		if err != nil {
			logger.Debug("ignoring unparsable lockfile entry", slog.String("package", p.Name), slog.String("error", err.Error()))
			continue
		}

		prefs[names.PackageName(names.Normalize(p.Name))] = v
	}

	return prefs
}

func writeLockfile(graph *resolver.Graph, rootSources map[names.PackageName]pep508.RequirementSource, path string) error {
	sourceOf := func(n names.PackageName) pep508.RequirementSource {
		if src, ok := rootSources[n]; ok {
			return src
		}

		return pep508.RequirementSource{Kind: pep508.SourceRegistry}
	}

	doc := lockfile.FromGraph(graph, sourceOf, nil)

	return lockfile.SaveFile(path, doc)
}

func printResolutionSummary(g *resolver.Graph) {
	count := 0

	for id := range g.Nodes {
		n := g.Node(resolver.NodeID(id))
		if resolver.NodeID(id) == resolver.RootID || n.Extra != "" || n.Group != "" {
			continue
		}

		count++
	}

	fmt.Printf("Resolved %d packages\n", count)
}

// buildInstallTargets walks every concrete package node in the resolved
// graph into an installer.InstallTarget, looking up the matching
// registry.Candidate for registry-sourced packages and materializing a
// Candidate directly for direct-URL or local path sources (spec §4.6
// "virtual-package encoding": extra/group nodes carry no independent
// install identity and are skipped).
func buildInstallTargets(ctx context.Context, g *resolver.Graph, reg *registry.Registry, rootSources map[names.PackageName]pep508.RequirementSource) ([]installer.InstallTarget, error) {
	var targets []installer.InstallTarget

	seen := make(map[string]bool)

	for id := range g.Nodes {
		nid := resolver.NodeID(id)
		if nid == resolver.RootID {
			continue
		}

		n := g.Node(nid)
		if n.Extra != "" || n.Group != "" {
			continue
		}

		key := string(n.Name) + "@" + n.Version.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		target, err := installTargetFor(ctx, reg, n, rootSources)
		if err != nil {
			return nil, err
		}

		targets = append(targets, target)
	}

	return targets, nil
}

func installTargetFor(ctx context.Context, reg *registry.Registry, n resolver.Node, rootSources map[names.PackageName]pep508.RequirementSource) (installer.InstallTarget, error) {
	src, isRoot := rootSources[n.Name]
	if isRoot && src.Kind != pep508.SourceRegistry {
		return materializedTarget(n, src)
	}

	candidates, err := reg.Versions(ctx, n.Name)
	if err != nil {
		return installer.InstallTarget{}, diagnostics.Wrap(diagnostics.KindNetworkError, "fetch-versions", string(n.Name), nil, err)
	}

	cand, ok := pickCandidate(candidates, n.Version)
	if !ok {
		return installer.InstallTarget{}, diagnostics.Wrap(diagnostics.KindNotFound, "select-candidate", string(n.Name), nil,
			fmt.Errorf("no candidate found for %s==%s", n.Name, n.Version))
	}

	return installer.InstallTarget{Name: n.Name, Version: n.Version, Candidate: cand}, nil
}

// materializedTarget handles a root requirement pinned to a direct URL or
// local wheel path: no registry lookup is needed, since the artifact
// location is already fully known. Building an installable wheel from an
// sdist, a plain directory, or a Git checkout is metadata.Provider's job
// during resolution (it already invokes the PEP 517 backend to recover
// core metadata); turning that same checkout into the wheel this installer
// stages is not yet wired through the CLI — see DESIGN.md.
func materializedTarget(n resolver.Node, src pep508.RequirementSource) (installer.InstallTarget, error) {
	req := pep508.Requirement{Name: n.Name, Source: src}

	switch src.Kind {
	case pep508.SourceDirectURL:
		cand, err := registry.MaterializeDirectURL(req)
		if err != nil {
			return installer.InstallTarget{}, err
		}

		if !cand.IsWheel {
			return installer.InstallTarget{}, fmt.Errorf("%s: building a wheel from a direct-URL sdist is not wired through this CLI yet", n.Name)
		}

		return installer.InstallTarget{Name: n.Name, Version: n.Version, Candidate: cand}, nil
	case pep508.SourcePath:
		cand, err := registry.MaterializePath(req)
		if err != nil {
			return installer.InstallTarget{}, err
		}

		if !cand.IsWheel {
			return installer.InstallTarget{}, fmt.Errorf("%s: building a wheel from a local sdist is not wired through this CLI yet", n.Name)
		}

		return installer.InstallTarget{Name: n.Name, Version: n.Version, Candidate: cand, Editable: src.Editable}, nil
	default:
		return installer.InstallTarget{}, fmt.Errorf("%s: installing a %s source is not wired through this CLI yet", n.Name, src.Kind)
	}
}

func pickCandidate(candidates []registry.Candidate, version pep440.Version) (registry.Candidate, bool) {
	var best registry.Candidate

	found := false

	for _, c := range candidates {
		if !c.Version.Equal(version) {
			continue
		}

		if !found || (c.IsWheel && !best.IsWheel) {
			best = c
			found = true
		}
	}

	return best, found
}

func downloadTargets(ctx context.Context, plan *installer.Plan, store *cache.Store, httpClient *http.Client, jobs int, logger *slog.Logger) error {
	var allTargets []installer.InstallTarget

	allTargets = append(allTargets, plan.Install...)
	for _, pair := range plan.Replace {
		allTargets = append(allTargets, pair.New)
	}

	requests := make([]downloader.Request, 0, len(allTargets))

	for _, t := range allTargets {
		if t.Candidate.URL == "" {
			continue // local, already-materialized artifact with no fetch step
		}

		requests = append(requests, downloader.Request{
			Name:      string(t.Name),
			Version:   t.Version.String(),
			Candidate: t.Candidate,
			Bucket:    cache.BucketWheels,
		})
	}

	if len(requests) == 0 {
		return nil
	}

	fmt.Printf("\nDownloading %d packages...\n", len(requests))

	dlOpts := []downloader.Option{downloader.WithHTTPClient(httpClient), downloader.WithLogger(logger)}
	if jobs > 0 {
		dlOpts = append(dlOpts, downloader.WithMaxWorkers(jobs))
	}

	mgr := downloader.New(store, dlOpts...)

	results, err := mgr.Download(ctx, requests)
	if err != nil {
		return fmt.Errorf("downloading packages: %w", err)
	}

	byKey := make(map[string]downloader.Result, len(results))
	for _, r := range results {
		byKey[r.Name+"@"+r.Version] = r
	}

	for i := range plan.Install {
		fillWheelPath(&plan.Install[i], byKey)
	}

	for i := range plan.Replace {
		fillWheelPath(&plan.Replace[i].New, byKey)
	}

	for _, r := range results {
		suffix := ""
		if r.Cached {
			suffix = " (cached)"
		}

		fmt.Printf("  %s (%s)%s\n", filepath.Base(r.FilePath), formatSize(r.Size), suffix)
	}

	return nil
}

func fillWheelPath(t *installer.InstallTarget, byKey map[string]downloader.Result) {
	if t.WheelPath != "" {
		return
	}

	if r, ok := byKey[string(t.Name)+"@"+t.Version.String()]; ok {
		t.WheelPath = r.FilePath
	}
}

func printDryRun(plan *installer.Plan) {
	fmt.Printf("\nWould install %d, replace %d, uninstall %d:\n",
		len(plan.Install), len(plan.Replace), len(plan.Uninstall))

	for _, t := range plan.Install {
		fmt.Printf("  + %s %s\n", t.Name, t.Version)
	}

	for _, pair := range plan.Replace {
		fmt.Printf("  ~ %s %s -> %s\n", pair.Old.Name, pair.Old.Version, pair.New.Version)
	}

	for _, e := range plan.Uninstall {
		fmt.Printf("  - %s %s\n", e.Name, e.Version)
	}

	fmt.Println("\nDry run, no changes made.")
}

// collectRequirements merges CLI args and requirements file entries.
func collectRequirements(args []string, reqFile string) ([]string, error) {
	var requirements []string

	requirements = append(requirements, args...)

	if reqFile != "" {
		fileReqs, err := parseRequirementsFile(reqFile)
		if err != nil {
			return nil, err
		}

		requirements = append(requirements, fileReqs...)
	}

	return requirements, nil
}

// parseRequirementsFile reads a pip-compatible requirements file.
// Skips comments, empty lines, and pip options (lines starting with -).
func parseRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var reqs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		reqs = append(reqs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}

	return reqs, nil
}

// markerEnvView is a convenience struct local to main before being
// converted into pep508.Environment, keeping buildMarkerEnv's construction
// readable.
type markerEnvView struct {
	pythonVersion      string
	pythonFullVersion  string
	sysPlatform        string
	osName             string
	platformMachine    string
	implementationName string
}

func markerEnvToPep508(v markerEnvView) pep508.Environment {
	return pep508.Environment{
		PythonVersion:                v.pythonVersion,
		PythonFullVersion:            v.pythonFullVersion,
		SysPlatform:                  v.sysPlatform,
		OSName:                       v.osName,
		PlatformMachine:              v.platformMachine,
		ImplementationName:           v.implementationName,
		ImplementationVersion:        v.pythonFullVersion,
		PlatformPythonImplementation: implementationLabel(v.implementationName),
	}
}

// buildMarkerEnv creates a PEP 508 marker environment from the detected
// Python environment.
func buildMarkerEnv(env *python.Environment) markerEnvView {
	pyVer := formatPythonVersion(env.PythonVersion)

	fullVer := env.PythonFullVersion
	if fullVer == "" {
		fullVer = pyVer
	}

	var sysPlatform, osName string

	switch {
	case strings.HasPrefix(env.PlatformTag, "macosx"):
		sysPlatform = "darwin"
		osName = "posix"
	case strings.HasPrefix(env.PlatformTag, "linux"):
		sysPlatform = "linux"
		osName = "posix"
	default:
		sysPlatform = "linux"
		osName = "posix"
	}

	return markerEnvView{
		pythonVersion:      pyVer,
		pythonFullVersion:  fullVer,
		sysPlatform:        sysPlatform,
		osName:             osName,
		platformMachine:    env.PlatformMachine,
		implementationName: env.ImplementationName,
	}
}

// implementationLabel maps sys.implementation.name (lowercase, e.g.
// "cpython") to the platform_python_implementation marker's expected
// capitalization (e.g. "CPython"), per PEP 508's documented values.
func implementationLabel(name string) string {
	switch name {
	case "cpython":
		return "CPython"
	case "pypy":
		return "PyPy"
	case "jython":
		return "Jython"
	case "ironpython":
		return "IronPython"
	default:
		return name
	}
}

// formatPythonVersion turns sysconfig's compact "312" into the dotted
// "3.12" form PEP 508's python_version marker compares against.
func formatPythonVersion(compact string) string {
	if len(compact) < 2 {
		return compact
	}

	return compact[:1] + "." + compact[1:]
}

// buildCompatTags generates PEP 425 compatible wheel tags ordered by
// priority, most preferred first.
func buildCompatTags(env *python.Environment) []registry.WheelTag {
	pyVer := env.PythonVersion
	platform := wheelPlatform(env.PlatformTag)
	cp := "cp" + pyVer
	pyMajor := "py" + pyVer[:1]

	var tags []registry.WheelTag

	platforms := expandPlatform(platform)

	for _, plat := range platforms {
		tags = append(tags, registry.WheelTag{Python: cp, ABI: cp, Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, registry.WheelTag{Python: cp, ABI: "abi3", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, registry.WheelTag{Python: cp, ABI: "none", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, registry.WheelTag{Python: pyMajor, ABI: "none", Platform: plat})
	}

	tags = append(tags, registry.WheelTag{Python: cp, ABI: "none", Platform: "any"})
	tags = append(tags, registry.WheelTag{Python: pyMajor, ABI: "none", Platform: "any"})

	return tags
}

// expandPlatform expands a platform tag into a priority-ordered list
// including manylinux variants (Linux) and lower macOS version variants.
func expandPlatform(platform string) []string {
	platforms := []string{platform}

	if strings.HasPrefix(platform, "linux_") {
		arch := strings.TrimPrefix(platform, "linux_")

		for _, ml := range []string{
			"manylinux_2_35", "manylinux_2_34", "manylinux_2_31",
			"manylinux_2_28", "manylinux_2_17", "manylinux2014",
		} {
			platforms = append(platforms, ml+"_"+arch)
		}
	}

	if strings.HasPrefix(platform, "macosx_") {
		parts := strings.SplitN(platform, "_", 4)
		if len(parts) == 4 {
			arch := parts[3]
			major, _ := strconv.Atoi(parts[1])

			platforms = append(platforms, fmt.Sprintf("macosx_%s_%s_universal2", parts[1], parts[2]))

			minMajor := 10
			if arch == "arm64" {
				minMajor = 11
			}

			for v := major - 1; v >= minMajor; v-- {
				minor := "0"
				if v == 10 {
					minor = "9"
				}

				platforms = append(platforms,
					fmt.Sprintf("macosx_%d_%s_%s", v, minor, arch),
					fmt.Sprintf("macosx_%d_%s_universal2", v, minor),
				)
			}
		}
	}

	return platforms
}

// wheelPlatform converts a sysconfig platform tag to wheel format.
// "macosx-14.0-arm64" -> "macosx_14_0_arm64"
func wheelPlatform(sysTag string) string {
	s := strings.ReplaceAll(sysTag, "-", "_")

	return strings.ReplaceAll(s, ".", "_")
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%d KB", bytes/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
