// Package envfilter implements the two environment-variable predicates
// per compiler family described in §6: which variables must travel with
// a remote request ("server-important") and which additionally affect a
// local subprocess ("client-important", a superset of server-important).
package envfilter

import "strings"

// Family identifies a compiler family with its own important-variable
// lists.
type Family int

const (
	FamilyGCC Family = iota
	FamilyClang
	FamilyMSVC
	FamilyOther
)

var serverImportant = map[Family][]string{
	FamilyGCC: {
		"LIBRARY_PATH", "CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH",
		"OBJC_INCLUDE_PATH", "DEPENDENCIES_OUTPUT", "SUNPRO_DEPENDENCIES",
		"MACOSX_DEPLOYMENT_TARGET", "SDKROOT", "PWD", "FORCE_DISABLE_WERROR",
	},
	FamilyClang: {
		"LIBRARY_PATH", "CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH",
		"OBJC_INCLUDE_PATH", "DEPENDENCIES_OUTPUT", "MACOSX_DEPLOYMENT_TARGET",
		"SDKROOT", "PWD",
	},
	FamilyMSVC: {
		"INCLUDE", "LIB", "PWD",
	},
}

var clientOnlyExtras = []string{
	"WINDEBUG", "DEVELOPER_DIR", "VPYTHON_VIRTUALENV_ROOT", "LUCI_CONTEXT",
	"CIPD_CACHE_DIR", "PATHEXT", "SystemRoot", "HOMEDRIVE", "HOMEPATH",
	"USERPROFILE",
}

func contains(list []string, name string, caseInsensitive bool) bool {
	for _, v := range list {
		if v == name {
			return true
		}
		if caseInsensitive && strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

// IsServerImportant reports whether name must be sent as part of a
// remote compile request for the given family.
func IsServerImportant(family Family, name string) bool {
	return contains(serverImportant[family], name, false)
}

// IsClientImportant reports whether name affects a local subprocess: the
// server-important set plus a fixed extra list, with PATHEXT matched
// case-insensitively as Windows environment lookups are.
func IsClientImportant(family Family, name string) bool {
	if IsServerImportant(family, name) {
		return true
	}
	if strings.EqualFold(name, "PATHEXT") {
		return true
	}
	return contains(clientOnlyExtras, name, false)
}

// Filter returns the subset of env (each entry "KEY=VALUE") that passes
// pred on its key.
func Filter(env []string, pred func(name string) bool) []string {
	var out []string
	for _, kv := range env {
		name := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			name = kv[:i]
		}
		if pred(name) {
			out = append(out, kv)
		}
	}
	return out
}

// ServerImportant filters env down to the server-important subset for
// family.
func ServerImportant(family Family, env []string) []string {
	return Filter(env, func(name string) bool { return IsServerImportant(family, name) })
}

// ClientImportant filters env down to the client-important subset for
// family.
func ClientImportant(family Family, env []string) []string {
	return Filter(env, func(name string) bool { return IsClientImportant(family, name) })
}
