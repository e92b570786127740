package cache

import (
	"strings"
)

// Role identifies what a namespace holds.
type Role string

const (
	// RoleStatic holds the precache list populated at install.
	RoleStatic Role = "static"

	// RoleRuntime holds entries written by fetch strategies and control messages.
	RoleRuntime Role = "runtime"
)

// versionSeparator joins role and version in a namespace name.
const versionSeparator = "-v"

// Namespace names one cache store for one role and cache version.
type Namespace struct {
	Role    Role
	Version string
}

// String returns the storage name, e.g. "static-v1000".
func (n Namespace) String() string {
	return string(n.Role) + versionSeparator + n.Version
}

// CurrentNamespaces returns the static and runtime namespaces for a version.
func CurrentNamespaces(version string) (static, runtime Namespace) {
	return Namespace{Role: RoleStatic, Version: version},
		Namespace{Role: RoleRuntime, Version: version}
}

// ParseNamespace splits a storage name into role and version.
// Names with an unknown role or an empty version are reported as not ok.
func ParseNamespace(name string) (Namespace, bool) {
	idx := strings.Index(name, versionSeparator)
	if idx <= 0 {
		return Namespace{}, false
	}

	role := Role(name[:idx])
	version := name[idx+len(versionSeparator):]
	if version == "" {
		return Namespace{}, false
	}

	switch role {
	case RoleStatic, RoleRuntime:
		return Namespace{Role: role, Version: version}, true
	default:
		return Namespace{}, false
	}
}

// IsCurrent reports whether name is one of the two namespaces of version.
func IsCurrent(name, version string) bool {
	ns, ok := ParseNamespace(name)
	return ok && ns.Version == version
}
