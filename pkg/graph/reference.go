package graph

// Reference identifies a script by the directory of the manifest that
// declares it and the script's name within that manifest. It is the stable
// identity used as a map key throughout the engine.
type Reference struct {
	PackageDir string
	Name       string
}

// sep separates PackageDir and Name in the canonical string form. NUL can't
// appear in either component, so the join is unambiguous and collision-free.
const sep = "\x00"

// String returns the canonical form packageDir + NUL + name, suitable for
// use as a map key.
func (r Reference) String() string {
	return r.PackageDir + sep + r.Name
}

// Label renders the reference the way diagnostics and logs present it: the
// bare name when rel is empty (the reference's own package), otherwise
// "rel:name".
func (r Reference) Label(rel string) string {
	if rel == "" || rel == "." {
		return r.Name
	}
	return rel + ":" + r.Name
}
