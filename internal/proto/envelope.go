// Package proto defines the request/response envelope structs exchanged
// with the remote compile service (§6). The wire encoding and transport
// are external collaborators; these are the plain Go shapes the rest of
// the coordinator builds against.
package proto

import "github.com/compilecoord/compilecoord/internal/cas"

// CommandSpec identifies the compiler invoked: its logical name, version,
// target triple, local path, and a content hash/size pair used to detect
// a compiler binary that silently changed underneath a cached key.
type CommandSpec struct {
	Name             string
	Version          string
	Target           string
	LocalCompilerPath string
	BinaryHash       string
	BinarySize       int64
}

// InputFile is an embedded-content entry keyed by hash, sent only when
// the coordinator believes (or is forced to believe, via
// need_to_send_content) the server doesn't already have the blob.
type InputFile struct {
	Filename string
	Hash     string
	Content  []byte // nil when the server is expected to already have Hash
}

// ExpectedOutput names a file or directory the compile is expected to
// produce.
type ExpectedOutput struct {
	Filename    string
	IsDirectory bool
}

// Request is the outgoing compile request envelope.
type Request struct {
	Argv    []string
	Cwd     string
	Envs    []string // already filtered to the server-important subset
	Pid     int
	APIVersion string
	Revision   string
	PlatformProperties map[string]string
	ExecRoot string

	Command     CommandSpec
	Subprograms []CommandSpec
	Inputs      []InputFile
	Outputs     []ExpectedOutput

	ToolchainIncluded bool
}

// CacheHit enumerates where (if anywhere) a response's outputs came from.
type CacheHit int

const (
	NoCache CacheHit = iota
	MemCache
	StorageCache
	LocalOutputCache
)

func (c CacheHit) String() string {
	switch c {
	case MemCache:
		return "MEM_CACHE"
	case StorageCache:
		return "STORAGE_CACHE"
	case LocalOutputCache:
		return "LOCAL_OUTPUT_CACHE"
	default:
		return "NO_CACHE"
	}
}

// ErrorKind enumerates the response-level error classification; only
// BadRequest is fatal (the caller must not retry).
type ErrorKind int

const (
	NoError ErrorKind = iota
	BadRequest
	Transient
)

// OutputDescriptor is one produced output: its eventual on-disk filename,
// the blob that holds its content (inline or chunked), and whether it
// must be marked executable.
type OutputDescriptor struct {
	Filename   string
	Blob       *cas.FileBlob
	Executable bool
}

// Response is the incoming compile response envelope.
type Response struct {
	ExitStatus int
	Stdout     []byte
	Stderr     []byte
	ErrorMessages []string

	MissingInputs []string

	CacheHit      CacheHit
	CacheKey      string
	ResultCommand CommandSpec

	Outputs []OutputDescriptor

	ErrorKind       ErrorKind
	BadRequestReason string

	// GomaFinished and LocalKilled report how a raced reply was produced
	// (§4.1 Racing paragraph, §8 scenario 3): GomaFinished is set once the
	// remote side has answered, LocalKilled once the losing local
	// subprocess has actually been torn down rather than left running.
	GomaFinished bool
	LocalKilled  bool
}

// ExitStatus conventions from §6: the coordinator reserves two sentinel
// values outside a normal process exit-status range.
const (
	ExitStatusRejectedLocally = 1
	ExitStatusNoResult        = -256
)
