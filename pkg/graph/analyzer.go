package graph

import (
	"fmt"
	"path/filepath"
	"strings"

	"scriptrun/pkg/manifest"
)

// stanzaKey is the top-level manifest key under which script configs are
// declared. scriptName must carry the sentinel value below in the
// manifest's plain "scripts" map for scriptName to be treated as a
// scriptrun-managed script.
const stanzaKey = "scriptrun"

// sentinelCommand is the surface command value a scriptrun-managed script
// must carry in the manifest's "scripts" map.
const sentinelCommand = "scriptrun"

// manifestFileName is the package manifest scriptrun looks for in a
// package directory.
const manifestFileName = "package.json"

// Analysis holds the working state of one Analyze call: the arena of
// resolved ScriptConfig values (keyed by Reference.String, never freed
// mid-analysis so dependency/reverse-dependency pointers stay valid) and the
// manifest documents loaded so far (cached per package directory, since a
// package may be referenced from many places in the graph).
type Analysis struct {
	arena map[string]*ScriptConfig
	docs  map[string]*manifest.Document
	diags []Diagnostic
}

// Analyze resolves entry to a fully validated ScriptConfig graph, or
// returns the diagnostics found along the way. Diagnostics are batched: a
// single call may collect several independent problems before giving up.
// The returned MapSource holds the raw bytes of every manifest Analyze
// loaded while walking the graph, keyed by the same file paths the
// returned Diagnostics' Locations reference, so a caller can pass it
// straight to Print to render caret excerpts instead of a bare "--> file"
// line.
func Analyze(entry Reference) (*ScriptConfig, []Diagnostic, MapSource) {
	a := &Analysis{
		arena: make(map[string]*ScriptConfig),
		docs:  make(map[string]*manifest.Document),
	}

	root := a.resolve(entry, nil)
	src := a.sources()
	if len(a.diags) > 0 {
		return nil, a.diags, src
	}
	return root, nil, src
}

// sources collects the raw bytes of every manifest document loaded during
// analysis, keyed by path, for Print's sourceFor. Packages whose manifest
// failed to load (nil entries in docs) contribute nothing; printLocation
// falls back to the bare "--> file" line for those.
func (a *Analysis) sources() MapSource {
	src := make(MapSource, len(a.docs))
	for _, doc := range a.docs {
		if doc == nil {
			continue
		}
		src[doc.Path] = doc.Data
	}
	return src
}

func (a *Analysis) loadDoc(dir string) (*manifest.Document, error) {
	if doc, ok := a.docs[dir]; ok {
		return doc, nil
	}
	doc, err := manifest.Load(filepath.Join(dir, manifestFileName))
	if err != nil {
		a.docs[dir] = nil
		return nil, err
	}
	a.docs[dir] = doc
	return doc, nil
}

func (a *Analysis) errf(loc Location, format string, args ...any) {
	a.diags = append(a.diags, Diagnostic{
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
		Primary:  loc,
	})
}

func (a *Analysis) errSupp(primary Location, supp []Location, format string, args ...any) {
	a.diags = append(a.diags, Diagnostic{
		Severity:     SeverityError,
		Message:      fmt.Sprintf(format, args...),
		Primary:      primary,
		Supplemental: supp,
	})
}

// resolve walks ref, detecting a cycle against stack (the path of
// currently-in-progress references), memoizing completed nodes in the
// arena, and returning nil if ref could not be resolved to a valid config
// (the caller should not add an edge to a nil child).
func (a *Analysis) resolve(ref Reference, stack []Reference) *ScriptConfig {
	key := ref.String()

	for i, s := range stack {
		if s == ref {
			a.reportCycle(stack[i:], ref)
			return nil
		}
	}

	if existing, ok := a.arena[key]; ok {
		return existing
	}

	doc, err := a.loadDoc(ref.PackageDir)
	if err != nil {
		a.errf(Location{File: filepath.Join(ref.PackageDir, manifestFileName)}, "%v", err)
		a.arena[key] = nil
		return nil
	}

	scripts, _ := doc.Root.Field("scripts")
	stanza, hasStanza := doc.Root.Field(stanzaKey)

	stanzaEntry, declaredInStanza := stanza.Field(ref.Name)
	if hasStanza && !stanza.IsObject() {
		a.errf(stanzaLoc(doc, stanza), "%q must be an object", stanzaKey)
		a.arena[key] = nil
		return nil
	}

	scriptsVal, hasScriptsEntry := scripts.Field(ref.Name)

	if declaredInStanza {
		if !hasScriptsEntry {
			a.errf(entryLoc(doc, stanza, ref.Name), "script %q uses a %s stanza but has no entry in \"scripts\"", ref.Name, stanzaKey)
		} else if !scriptsVal.IsString() || scriptsVal.Str != sentinelCommand {
			a.errSupp(scriptsVal.Loc, []Location{entryLoc(doc, stanza, ref.Name)},
				"script %q must have \"scripts.%s\" equal to %q when a %s stanza is declared", ref.Name, ref.Name, sentinelCommand, stanzaKey)
		}
		cfg := a.buildFromStanza(doc, ref, stanzaEntry, stack)
		a.arena[key] = cfg
		return cfg
	}

	if hasScriptsEntry && scriptsVal.IsString() {
		cfg := &ScriptConfig{Kind: KindOneShot, Ref: ref, Command: scriptsVal.Str}
		a.arena[key] = cfg
		return cfg
	}

	a.errf(manifestRootLoc(doc), "script %q not found in %s", ref.Name, manifestFileName)
	a.arena[key] = nil
	return nil
}

func (a *Analysis) reportCycle(cycle []Reference, repeat Reference) {
	labels := make([]string, 0, len(cycle)+1)
	base := cycle[0].PackageDir
	for _, r := range cycle {
		rel, _ := filepath.Rel(base, r.PackageDir)
		labels = append(labels, r.Label(rel))
	}
	rel, _ := filepath.Rel(base, repeat.PackageDir)
	labels = append(labels, repeat.Label(rel))

	a.errf(Location{File: filepath.Join(repeat.PackageDir, manifestFileName)},
		"Cycle detected: %s", strings.Join(labels, " -> "))
}

func stanzaLoc(doc *manifest.Document, v *manifest.Value) Location {
	if v != nil {
		return v.Loc
	}
	return manifestRootLoc(doc)
}

func entryLoc(doc *manifest.Document, stanza *manifest.Value, name string) Location {
	if loc, ok := stanza.FieldLoc(name); ok {
		return loc
	}
	return manifestRootLoc(doc)
}

func manifestRootLoc(doc *manifest.Document) Location {
	if doc == nil || doc.Root == nil {
		return Location{}
	}
	return doc.Root.Loc
}

// buildFromStanza validates and constructs the ScriptConfig for a single
// scriptrun-stanza entry, recursing into dependencies.
func (a *Analysis) buildFromStanza(doc *manifest.Document, ref Reference, entry *manifest.Value, stack []Reference) *ScriptConfig {
	if !entry.IsObject() {
		a.errf(entry.Loc, "scriptrun.%s must be an object", ref.Name)
		return nil
	}

	cfg := &ScriptConfig{Ref: ref}

	if v, ok := entry.Field("command"); ok {
		if !v.IsString() {
			a.errf(v.Loc, "scriptrun.%s.command must be a string", ref.Name)
		} else {
			cfg.Command = v.Str
		}
	}

	service := false
	if v, ok := entry.Field("service"); ok {
		if !v.IsBool() {
			a.errf(v.Loc, "scriptrun.%s.service must be a boolean", ref.Name)
		} else {
			service = v.Bool
		}
	}

	depStrings := a.stringArrayField(entry, ref.Name, "dependencies", true)
	cfg.Files = a.stringArrayField(entry, ref.Name, "files", false)
	cfg.Output = a.stringArrayField(entry, ref.Name, "output", false)
	cfg.PackageLocks = a.stringArrayField(entry, ref.Name, "packageLocks", false)

	for _, lock := range cfg.PackageLocks {
		if strings.ContainsAny(lock, "/\\") {
			a.errf(entry.Loc, "scriptrun.%s.packageLocks entry %q must be a filename, not a path", ref.Name, lock)
		}
	}

	cfg.Clean = a.cleanField(entry, ref.Name)

	switch {
	case service:
		cfg.Kind = KindService
		if cfg.Command == "" {
			a.errf(entry.Loc, "scriptrun.%s is a service and must declare command", ref.Name)
		}
	case cfg.Command != "":
		cfg.Kind = KindOneShot
	default:
		cfg.Kind = KindNoCommand
		if len(depStrings) == 0 {
			a.errf(entry.Loc, "scriptrun.%s must have a command, or dependencies, or both", ref.Name)
		}
	}

	cfg.Dependencies = a.resolveDependencies(doc, ref, entry, depStrings, stack)
	for _, edge := range cfg.Dependencies {
		edge.Child.ReverseDependencies = append(edge.Child.ReverseDependencies, cfg)
	}

	return cfg
}

// stringArrayField validates field as an array of non-empty trimmed
// strings, appending one diagnostic per violation and returning the valid
// entries (trimmed). When field is absent, returns nil without complaint —
// every array field in this manifest schema is optional.
func (a *Analysis) stringArrayField(entry *manifest.Value, scriptName, field string, dedupe bool) []string {
	v, ok := entry.Field(field)
	if !ok {
		return nil
	}
	if !v.IsArray() {
		a.errf(v.Loc, "scriptrun.%s.%s must be an array", scriptName, field)
		return nil
	}

	seen := make(map[string]bool, len(v.Array))
	var out []string
	for i, item := range v.Array {
		if !item.IsString() {
			a.errf(item.Loc, "scriptrun.%s.%s[%d] must be a string", scriptName, field, i)
			continue
		}
		trimmed := strings.TrimSpace(item.Str)
		if trimmed == "" {
			a.errf(item.Loc, "scriptrun.%s.%s[%d] must be a non-empty string", scriptName, field, i)
			continue
		}
		if dedupe && seen[trimmed] {
			a.errf(item.Loc, "scriptrun.%s.%s[%d] duplicates an earlier entry %q", scriptName, field, i, trimmed)
			continue
		}
		seen[trimmed] = true
		out = append(out, trimmed)
	}
	return out
}

func (a *Analysis) cleanField(entry *manifest.Value, scriptName string) Clean {
	v, ok := entry.Field("clean")
	if !ok {
		return CleanFalse
	}
	switch {
	case v.IsBool():
		if v.Bool {
			return CleanTrue
		}
		return CleanFalse
	case v.IsString() && v.Str == "if-file-deleted":
		return CleanIfFileDeleted
	default:
		a.errf(v.Loc, "scriptrun.%s.clean must be true, false, or \"if-file-deleted\"", scriptName)
		return CleanFalse
	}
}

// resolveDependencies resolves each declared dependency string to a
// ScriptConfig, recursing into cross-package manifests as needed. The
// declaration location is attached to the edge for cycle/diagnostic
// reporting.
func (a *Analysis) resolveDependencies(doc *manifest.Document, ref Reference, entry *manifest.Value, depStrings []string, stack []Reference) []DependencyEdge {
	depsVal, _ := entry.Field("dependencies")

	var edges []DependencyEdge
	nextStack := append(append([]Reference{}, stack...), ref)

	for i, dep := range depStrings {
		loc := entry.Loc
		if depsVal.IsArray() && i < len(depsVal.Array) {
			loc = depsVal.Array[i].Loc
		}

		childRef, ok := a.parseDependency(ref, dep, loc)
		if !ok {
			continue
		}

		child := a.resolve(childRef, nextStack)
		if child == nil {
			continue
		}
		edges = append(edges, DependencyEdge{Child: child, DeclLine: loc})
	}
	return edges
}

// parseDependency splits a dependency string into a Reference, applying the
// "<relative-path>:<script-name>" cross-package syntax when a colon is
// present.
func (a *Analysis) parseDependency(from Reference, dep string, loc Location) (Reference, bool) {
	idx := strings.IndexByte(dep, ':')
	if idx < 0 {
		return Reference{PackageDir: from.PackageDir, Name: dep}, true
	}

	relPath := dep[:idx]
	name := dep[idx+1:]
	if name == "" {
		a.errf(loc, "cross-package dependency %q is missing a script name", dep)
		return Reference{}, false
	}

	resolvedDir := filepath.Clean(filepath.Join(from.PackageDir, relPath))
	if resolvedDir == filepath.Clean(from.PackageDir) {
		a.errf(loc, "cross-package dependency %q must not resolve to the current package", dep)
		return Reference{}, false
	}

	return Reference{PackageDir: resolvedDir, Name: name}, true
}
