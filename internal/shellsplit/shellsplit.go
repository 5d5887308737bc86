// Package shellsplit tokenizes compiler-driver output (`-###`/`-v`, linker
// script contents, collect2 command lines) the way a shell would, so
// callers can pick out flags like `-L`, `-l`, `-isysroot` regardless of
// how the driver quoted them.
package shellsplit

import (
	"strings"

	"github.com/google/shlex"
)

// Split tokenizes line using shell-word rules.
func Split(line string) ([]string, error) {
	return shlex.Split(strings.TrimSpace(line))
}
