// compilecoord is the coordinator daemon: it holds the compiler-info,
// dependency and output caches and the worker pool described in
// SPEC_FULL.md, and drives each incoming compile request through
// internal/task's state machine. The wire transport that delivers those
// requests, and the per-compiler-family flag grammar that classifies
// them, are external collaborators (see internal/flags, internal/proto);
// this binary wires everything else and falls back to running every
// compile locally until those collaborators are plugged in.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/compilecoord/compilecoord/internal/cachewatch"
	"github.com/compilecoord/compilecoord/internal/cas"
	"github.com/compilecoord/compilecoord/internal/cli"
	"github.com/compilecoord/compilecoord/internal/cli/logging"
	"github.com/compilecoord/compilecoord/internal/compilerinfo"
	"github.com/compilecoord/compilecoord/internal/config"
	"github.com/compilecoord/compilecoord/internal/depscache"
	"github.com/compilecoord/compilecoord/internal/hostload"
	"github.com/compilecoord/compilecoord/internal/metrics"
	"github.com/compilecoord/compilecoord/internal/outputcache"
	"github.com/compilecoord/compilecoord/internal/rpc"
	"github.com/compilecoord/compilecoord/internal/scheduler"
	"github.com/compilecoord/compilecoord/internal/subprocess"
	"github.com/compilecoord/compilecoord/internal/task"
)

var log = logging.Log

var opts struct {
	Usage string `usage:"compilecoord is the compile-task coordinator daemon. It caches compiler discovery, dependency resolution and outputs, and offloads eligible compiles to a remote execution service."`

	RepoRoot string        `short:"r" long:"repo_root" description:"Root directory to load .compilecoordrc files from. Defaults to the current directory."`
	Verbosity cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of output (error, warning, notice, info, debug)" default:"warning"`
	LogFile      string        `long:"log_file" description:"File to echo full logging output to."`
	LogFileLevel cli.Verbosity `long:"log_file_level" description:"Log level for file output" default:"debug"`
	Override     map[string]string `short:"o" long:"override" description:"Config overrides, e.g. -o pool.workers=8"`
}

func main() {
	// Set GOMAXPROCS from the container's CPU quota (cgroup limits, not
	// just host NumCPU) before anything sizes a pool off it.
	if _, err := maxprocs.Set(maxprocs.Logger(log.Info)); err != nil {
		log.Warning("could not adjust GOMAXPROCS: %s", err)
	}

	cli.ParseFlagsOrDie("compilecoord", &opts)
	logging.InitLogging(opts.Verbosity)

	repoRoot := opts.RepoRoot
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getwd: %s", err)
		}
		repoRoot = wd
	}

	if opts.LogFile != "" {
		logFile := opts.LogFile
		if !filepath.IsAbs(logFile) {
			logFile = filepath.Join(repoRoot, logFile)
		}
		if err := logging.InitFileLogging(logFile, opts.LogFileLevel); err != nil {
			log.Error("could not open log file %s: %s", logFile, err)
		}
	}

	cfg, err := config.ReadConfigFiles(config.DefaultFiles(repoRoot))
	if err != nil {
		log.Fatalf("reading config: %s", err)
	}
	if len(opts.Override) > 0 {
		if err := cfg.ApplyOverrides(opts.Override); err != nil {
			log.Fatalf("applying --override: %s", err)
		}
	}

	metrics.InitFromConfig(string(cfg.Metrics.URL), time.Duration(cfg.Metrics.Frequency), time.Duration(cfg.Metrics.Timeout))
	defer metrics.Stop()

	deps := buildDependencies(cfg)

	compilerInfoPath := filepath.Join(cfg.Cache.Dir, "compilerinfo.gob")
	depsPath := filepath.Join(cfg.Cache.Dir, "depscache.gob")
	if w, err := cachewatch.Watch(compilerInfoPath, deps.CompilerInfo.Invalidate); err != nil {
		log.Warning("watching %s: %s", compilerInfoPath, err)
	} else {
		defer w.Close()
	}
	if w, err := cachewatch.Watch(depsPath, deps.Deps.Invalidate); err != nil {
		log.Warning("watching %s: %s", depsPath, err)
	} else {
		defer w.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Notice("shutting down")
		cancel()
	}()

	log.Notice("compilecoord ready: %d workers, cache dir %s", cfg.Pool.Workers, cfg.Cache.Dir)
	<-ctx.Done()

	persistCaches(cfg, deps)
}

// buildDependencies constructs every collaborator task.Run needs from
// cfg. Blobs dials out only when [blob] url is configured. Exec is always
// rpc.Unconfigured ([exec] url is not read), so every CALL_EXEC attempt
// fails with a transport error and a task that reaches it ends with a
// rejected-locally reply once its retries are spent; the daemon still
// starts, and boundaryOnlyParser sends every task down the local path.
func buildDependencies(cfg *config.Configuration) *task.Dependencies {
	var blobs *cas.Client
	if cfg.Blob.URL != "" {
		backend, err := rpc.DialGRPCBackend(string(cfg.Blob.URL), cfg.Blob.Instance, time.Duration(cfg.Exec.ReqTimeout))
		if err != nil {
			log.Fatalf("dialing blob service %s: %s", cfg.Blob.URL, err)
		}
		blobs = cas.New(backend)
	}

	var exec rpc.ExecClient = rpc.Unconfigured{}
	_ = cfg.Exec.URL // the exec transport dials through the same backend once a concrete wire protocol exists; see DESIGN.md

	compilerInfoPath := filepath.Join(cfg.Cache.Dir, "compilerinfo.gob")
	depsPath := filepath.Join(cfg.Cache.Dir, "depscache.gob")

	compilerInfo := compilerinfo.Load(compilerInfoPath)
	deps := depscache.Load(depsPath)
	outputs, err := outputcache.New(cfg.Cache.Dir)
	if err != nil {
		log.Fatalf("opening output cache at %s: %s", cfg.Cache.Dir, err)
	}
	outputs.Clean(uint64(cfg.Cache.HighWaterMark), uint64(cfg.Cache.LowWaterMark))

	return &task.Dependencies{
		CompilerInfo:    compilerInfo,
		Deps:            deps,
		Outputs:         outputs,
		Blobs:           blobs,
		Exec:            exec,
		Subprocess:      directLauncher{subprocess.NewDirect()},
		Flags:           boundaryOnlyParser{},
		Scheduler:       scheduler.New(cfg.Pool.Workers),
		LinkerFIFO:      &task.LinkerFIFO{},
		Fallbacks:       task.NewFallbackBudget(cfg.Retry.FallbackBudget),
		Health:          &task.RemoteHealth{},
		HostLoad:           hostload.NewSampler(15*time.Second, runtime.GOMAXPROCS(0)),
		DirectiveHasher:    directiveHash,
		FileHashes:         cas.NewFileHashCache(),
		DontKillSubprocess: cfg.Racing.DontKillSubprocess,
	}
}

func persistCaches(cfg *config.Configuration, deps *task.Dependencies) {
	compilerInfoPath := filepath.Join(cfg.Cache.Dir, "compilerinfo.gob")
	depsPath := filepath.Join(cfg.Cache.Dir, "depscache.gob")
	if err := deps.CompilerInfo.Save(compilerInfoPath); err != nil {
		log.Error("saving compiler-info cache: %s", err)
	}
	if err := deps.Deps.Save(depsPath); err != nil {
		log.Error("saving dependency cache: %s", err)
	}
}
