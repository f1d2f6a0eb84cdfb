package txcache

// Version is the txcache release. It is overridden at build time with
// -ldflags "-X github.com/gofhir/txcache.Version=v1.2.3".
var Version = "dev"

// FHIRVersion represents a FHIR specification version.
type FHIRVersion string

// R4 is FHIR Release 4 (4.0.1), the only version the resource model covers.
const R4 FHIRVersion = "R4"

// String returns the version string.
func (v FHIRVersion) String() string {
	return string(v)
}

// IsValid returns true if this is a supported FHIR version.
func (v FHIRVersion) IsValid() bool {
	_, ok := versionReleases[v]
	return ok
}

// Release returns the full release number used in fhirVersion elements,
// or "" for an unsupported version.
func (v FHIRVersion) Release() string {
	return versionReleases[v]
}

var versionReleases = map[FHIRVersion]string{
	R4: "4.0.1",
}
