package cli

import "testing"

func TestVerbosityUnmarshalFlagNames(t *testing.T) {
	cases := map[string]Verbosity{
		"error":   ErrorVerbosity,
		"WARNING": WarningVerbosity,
		"debug":   DebugVerbosity,
	}
	for in, want := range cases {
		var v Verbosity
		if err := v.UnmarshalFlag(in); err != nil {
			t.Fatalf("UnmarshalFlag(%q): %s", in, err)
		}
		if v != want {
			t.Fatalf("UnmarshalFlag(%q) = %d, want %d", in, v, want)
		}
	}
}

func TestVerbosityUnmarshalFlagNumeric(t *testing.T) {
	var v Verbosity
	if err := v.UnmarshalFlag("4"); err != nil {
		t.Fatalf("UnmarshalFlag: %s", err)
	}
	if v != NoticeVerbosity {
		t.Fatalf("UnmarshalFlag(\"4\") = %d, want %d", v, NoticeVerbosity)
	}
}

func TestVerbosityUnmarshalFlagUnknown(t *testing.T) {
	var v Verbosity
	if err := v.UnmarshalFlag("deafening"); err == nil {
		t.Fatal("expected an error for an unknown verbosity name")
	}
}

func TestDurationUnmarshalFlag(t *testing.T) {
	var d Duration
	if err := d.UnmarshalFlag("1m30s"); err != nil {
		t.Fatalf("UnmarshalFlag: %s", err)
	}
	if d.String() != "1m30s" {
		t.Fatalf("Duration = %s, want 1m30s", d)
	}

	var bare Duration
	if err := bare.UnmarshalFlag("45"); err != nil {
		t.Fatalf("UnmarshalFlag: %s", err)
	}
	if bare.String() != "45s" {
		t.Fatalf("bare-integer Duration = %s, want 45s", bare)
	}
}

func TestByteSizeUnmarshalFlag(t *testing.T) {
	var b ByteSize
	if err := b.UnmarshalFlag("10M"); err != nil {
		t.Fatalf("UnmarshalFlag: %s", err)
	}
	if b != 10*1000*1000 {
		t.Fatalf("ByteSize = %d, want %d", b, 10*1000*1000)
	}
}
