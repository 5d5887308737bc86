// Package config loads the coordinator's layered configuration file,
// following the teacher's machine/repo/local cascade.
package config

import (
	"fmt"
	"os"
	"path"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/please-build/gcfg"

	"github.com/compilecoord/compilecoord/internal/cli"
)

// FileName is the repo-level config file, normally checked in.
const FileName = ".compilecoordrc"

// LocalFileName overrides FileName on this machine only; not normally
// checked in.
const LocalFileName = ".compilecoordrc.local"

// MachineFileName overrides settings for every repo on this machine.
const MachineFileName = "/etc/compilecoordrc"

// Configuration is the coordinator's full set of tunables, read from the
// cascade of config files in ReadConfigFiles and overridable from the
// command line via ApplyOverrides.
type Configuration struct {
	Blob struct {
		URL      cli.URL `help:"Base URL of the remote execution/CAS service."`
		Instance string  `help:"Instance name passed on every remote-apis request."`
	}
	Pool struct {
		Workers    int `help:"Number of scheduler workers to run."`
		AffineSlot int `help:"Number of threads reserved for thread-affine resumption."`
	}
	Cache struct {
		Dir            string       `help:"Directory for the local dependency and output cache."`
		HighWaterMark  cli.ByteSize `help:"Start evicting the output cache above this size."`
		LowWaterMark   cli.ByteSize `help:"Evict the output cache down to this size."`
		DepsAliveFor   cli.Duration `help:"How long an unused dependency-cache entry survives before eviction."`
	}
	Retry struct {
		MaxExecAttempts int          `help:"Maximum remote CALL_EXEC attempts per task before falling back."`
		FallbackBudget  int          `help:"Maximum concurrent local fallbacks permitted."`
		SlowThreshold   cli.Duration `help:"Remote calls slower than this count against the health EWMA."`
	}
	Limits struct {
		EmbeddedContent cli.ByteSize `help:"Maximum bytes of input content embedded directly in a request before a dep must be fetched separately."`
	}
	Hermetic struct {
		Enabled           bool   `help:"Reject tasks whose environment can't be made deterministic."`
		CommandCheckLevel string `help:"How strictly to verify compiler identity before using a cached CompilerInfo entry." options:"loose,checksum,strict"`
	}
	Rewrite struct {
		COFFTimestamps bool `help:"Rewrite COFF/bigobj timestamps in committed cache-hit outputs to the current time, so incremental linkers treat them as fresh."`
	}
	Exec struct {
		URL        cli.URL      `help:"Address of the remote CALL_EXEC transport. Blank disables remote execution (local fallback only)."`
		ReqTimeout cli.Duration `help:"Per-attempt timeout for a remote CALL_EXEC round trip."`
	}
	Metrics struct {
		URL       cli.URL      `help:"Pushgateway URL. Blank disables metrics entirely."`
		Frequency cli.Duration `help:"How often to push accumulated metrics."`
		Timeout   cli.Duration `help:"Per-push timeout before a push is abandoned."`
	}
	Racing struct {
		DontKillSubprocess bool `help:"Let the losing side of a local/remote race keep running to completion instead of killing it."`
	}
}

// URL re-exports cli.URL so config struct tags can reference config.URL
// without importing internal/cli directly in callers that only need the
// type name.
type URL = cli.URL

func readFile(config *Configuration, filename string) error {
	if err := gcfg.ReadFileInto(config, filename); err != nil && os.IsNotExist(err) {
		return nil
	} else if gcfg.FatalOnly(err) != nil {
		return err
	}
	return nil
}

// ReadConfigFiles reads filenames in order, each overriding the values of
// the last, starting from DefaultConfiguration.
func ReadConfigFiles(filenames []string) (*Configuration, error) {
	config := DefaultConfiguration()
	for _, filename := range filenames {
		if err := readFile(config, filename); err != nil {
			return config, fmt.Errorf("reading %s: %w", filename, err)
		}
	}
	return config, nil
}

// DefaultFiles returns the machine, repo and local config paths in the
// order ReadConfigFiles should apply them, rooted at repoRoot.
func DefaultFiles(repoRoot string) []string {
	return []string{
		MachineFileName,
		path.Join(repoRoot, FileName),
		path.Join(repoRoot, FileName+"_"+runtime.GOOS+"_"+runtime.GOARCH),
		path.Join(repoRoot, LocalFileName),
	}
}

// DefaultConfiguration returns a Configuration with every field set to the
// value the coordinator runs with when no config file overrides it.
func DefaultConfiguration() *Configuration {
	config := &Configuration{}
	// GOMAXPROCS reflects the container's CPU quota once main has called
	// automaxprocs.Set, not just the host's logical CPU count, so worker
	// pool width tracks what the process can actually schedule onto.
	config.Pool.Workers = runtime.GOMAXPROCS(0) + 2
	config.Pool.AffineSlot = 1
	config.Cache.Dir = ".compilecoord-cache"
	config.Cache.HighWaterMark = 10 * (1 << 30)
	config.Cache.LowWaterMark = 8 * (1 << 30)
	config.Cache.DepsAliveFor = cli.Duration(30 * 24 * time.Hour)
	config.Retry.MaxExecAttempts = 4
	config.Retry.FallbackBudget = runtime.GOMAXPROCS(0)
	config.Retry.SlowThreshold = cli.Duration(1500 * time.Millisecond)
	config.Limits.EmbeddedContent = 1 << 20
	config.Hermetic.CommandCheckLevel = "checksum"
	config.Rewrite.COFFTimestamps = true
	config.Exec.ReqTimeout = cli.Duration(2 * time.Minute)
	config.Metrics.Frequency = cli.Duration(time.Minute)
	config.Metrics.Timeout = cli.Duration(10 * time.Second)
	config.Racing.DontKillSubprocess = false
	return config
}

// ApplyOverrides applies "section.field: value" overrides, as produced by
// a repeated -o/--override command-line flag, onto config.
func (config *Configuration) ApplyOverrides(overrides map[string]string) error {
	elem := reflect.ValueOf(config).Elem()
	matchName := func(name string) func(string) bool {
		return func(candidate string) bool { return strings.EqualFold(candidate, name) }
	}
	for key, value := range overrides {
		split := strings.SplitN(key, ".", 2)
		if len(split) != 2 {
			return fmt.Errorf("bad override %q: want section.field", key)
		}
		section := elem.FieldByNameFunc(matchName(split[0]))
		if !section.IsValid() || section.Kind() != reflect.Struct {
			return fmt.Errorf("unknown config section %q", split[0])
		}
		field := section.FieldByNameFunc(matchName(split[1]))
		if !field.IsValid() {
			return fmt.Errorf("unknown config field %q in section %q", split[1], split[0])
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s.%s: %w", split[0], split[1], err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if unmarshaler, ok := field.Addr().Interface().(interface{ UnmarshalFlag(string) error }); ok {
		return unmarshaler.UnmarshalFlag(value)
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		field.SetBool(value == "true" || value == "yes")
	case reflect.Int, reflect.Int64:
		var n int64
		if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
			return err
		}
		field.SetInt(n)
	default:
		return fmt.Errorf("unsettable field kind %s", field.Kind())
	}
	return nil
}
