// Package cli contains the flag-parsing value types and entry point glue
// shared by the coordinator's command-line tools.
package cli

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/thought-machine/go-flags"
)

// ParseFlagsOrDie parses appname's flags out of data, printing usage and
// exiting on error, the same contract as the teacher's cli.ParseFlagsOrDie.
func ParseFlagsOrDie(appname string, data interface{}) *flags.Parser {
	parser := flags.NewNamedParser(path.Base(os.Args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.AddGroup(appname+" options", "", data)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		parser.WriteHelp(os.Stderr)
		fmt.Fprintf(os.Stderr, "\n%s\n", err)
		os.Exit(1)
	}
	return parser
}

// Verbosity is a flag value mapping the usual error/warning/notice/info/debug
// names (or their numeric levels) onto a go-logging level.
type Verbosity int

const (
	MinVerbosity Verbosity = iota
	CriticalVerbosity
	ErrorVerbosity
	WarningVerbosity
	NoticeVerbosity
	InfoVerbosity
	DebugVerbosity
)

var verbosityNames = map[string]Verbosity{
	"error":    ErrorVerbosity,
	"warning":  WarningVerbosity,
	"notice":   NoticeVerbosity,
	"info":     InfoVerbosity,
	"debug":    DebugVerbosity,
	"critical": CriticalVerbosity,
}

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (v *Verbosity) UnmarshalFlag(in string) error {
	if n, err := strconv.Atoi(in); err == nil {
		*v = Verbosity(n)
		return nil
	}
	vb, present := verbosityNames[strings.ToLower(in)]
	if !present {
		return fmt.Errorf("unknown verbosity %q", in)
	}
	*v = vb
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (v *Verbosity) UnmarshalText(text []byte) error {
	return v.UnmarshalFlag(string(text))
}

// A Duration wraps time.Duration so gcfg and go-flags can parse the usual
// "30s" / "5m" notation, and bare integers as seconds for compatibility
// with config files that predate unit suffixes.
type Duration time.Duration

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (d *Duration) UnmarshalFlag(in string) error {
	if parsed, err := time.ParseDuration(in); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.Atoi(in); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", in)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Duration) UnmarshalText(text []byte) error {
	return d.UnmarshalFlag(string(text))
}

// String implements the fmt.Stringer interface.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// A ByteSize represents a quantity of bytes parsed from human-readable
// strings like "10G" or "200MB".
type ByteSize uint64

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (b *ByteSize) UnmarshalFlag(in string) error {
	parsed, err := humanize.ParseBytes(in)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (b *ByteSize) UnmarshalText(text []byte) error {
	return b.UnmarshalFlag(string(text))
}

// A URL is a config/flag value for a service endpoint. It's kept as a
// string rather than a net.URL since nothing here needs to inspect its
// components, only pass it on to a gRPC dialer.
type URL string

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (u *URL) UnmarshalFlag(in string) error {
	if _, err := url.Parse(in); err != nil {
		return err
	}
	*u = URL(in)
	return nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (u *URL) UnmarshalText(text []byte) error {
	return u.UnmarshalFlag(string(text))
}

// String implements the fmt.Stringer interface.
func (u URL) String() string {
	return string(u)
}
