package task

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/compilecoord/compilecoord/internal/cas"
	"github.com/compilecoord/compilecoord/internal/compilerinfo"
	"github.com/compilecoord/compilecoord/internal/depscache"
	"github.com/compilecoord/compilecoord/internal/envfilter"
	"github.com/compilecoord/compilecoord/internal/hostload"
	"github.com/compilecoord/compilecoord/internal/includes"
	"github.com/compilecoord/compilecoord/internal/objrewrite"
	"github.com/compilecoord/compilecoord/internal/outputcache"
	"github.com/compilecoord/compilecoord/internal/pathhash"
	"github.com/compilecoord/compilecoord/internal/proto"
	"github.com/compilecoord/compilecoord/internal/rpc"
	"github.com/compilecoord/compilecoord/internal/scheduler"
)

var log = logging.MustGetLogger("task")

// TaskSetup is everything SETUP needs that comes from the external flag
// parser / preprocessor collaborators: per-compiler flag semantics and
// directive tokenizing are out of scope (see SPEC_FULL.md), so this
// struct is the seam between that parsing and the state machine proper.
type TaskSetup struct {
	Key                 compilerinfo.Key
	Discover            func(ctx context.Context) (*compilerinfo.Info, error)
	IncludesConfig      func(info *compilerinfo.Info) includes.Config
	DepsIdentifier      string
	OutputCacheIdentifier string
	Family              envfilter.Family
	RawEnv              []string

	LocalArgv []string
	LocalCwd  string

	ShouldFallback     bool
	VerifyOutput       bool
	LocalWeight        Weight
	IsLinkTask         bool
	DontKillSubprocess bool // per-request override of Dependencies.DontKillSubprocess

	IsWindowsObject bool // compile produces a COFF/bigobj .obj
	BReproSet       bool // /Brepro passed: timestamp rewrite must not happen
}

// FlagParser parses a request's argv into a TaskSetup. Implementations are
// per-compiler-family and live outside this package.
type FlagParser interface {
	Parse(req *proto.Request) (*TaskSetup, error)
}

// Dependencies bundles every collaborator the state machine drives.
type Dependencies struct {
	CompilerInfo    *compilerinfo.Cache
	Deps            *depscache.Cache
	Outputs         *outputcache.Cache
	Blobs           *cas.Client
	Exec            rpc.ExecClient
	Subprocess      SubprocessLauncher
	Flags           FlagParser
	Scheduler       *scheduler.Pool
	LinkerFIFO      *LinkerFIFO
	Fallbacks       *FallbackBudget
	Health          *RemoteHealth
	HostLoad        *hostload.Sampler
	DirectiveHasher depscache.DirectiveHasher
	FileHashes      *cas.FileHashCache

	// DontKillSubprocess is the daemon-wide default for the §4.1 Racing
	// policy: when false (the default) the losing side of a race is
	// cancelled and its subprocess killed as soon as the other answers.
	DontKillSubprocess bool
}

// Run drives t through the full state machine and returns the response
// to deliver to the caller.
func Run(ctx context.Context, t *Task, deps *Dependencies) *proto.Response {
	t.SetState(Init)
	setup, err := deps.Flags.Parse(t.Request)
	if err != nil {
		return rejectedLocally(err)
	}
	t.VerifyOutput = setup.VerifyOutput
	t.ShouldFallback = setup.ShouldFallback
	t.LocalWeight = setup.LocalWeight

	if t.Canceled() {
		return canceledResponse()
	}

	if t.ShouldFallback {
		t.SetState(LocalRun)
		res := runLocal(ctx, t, deps, setup)
		t.SetState(LocalFinished)
		return res
	}

	// verify_output presupposes both sides run (§4.1 INIT: "run both,
	// compare outputs"); it is an orthogonal policy from the racing
	// predicate, not something the predicate can suppress.
	race := setup.VerifyOutput || ShouldRaceLocal(RacingInputs{
		Heavy:               setup.LocalWeight == WeightHeavy,
		LocalQueueEmpty:     (deps.Scheduler == nil || deps.Scheduler.QueueDepth() == 0) && !deps.HostLoad.Busy(),
		RemotePredictedSlow: deps.Health != nil && deps.Health.PredictedSlow(),
	})

	if !race {
		resp := runRemote(ctx, t, deps, setup)
		resp.GomaFinished = true
		return resp
	}

	localCtx, localCancel := context.WithCancel(ctx)
	remoteCtx, remoteCancel := context.WithCancel(ctx)
	defer localCancel()
	defer remoteCancel()

	var wg sync.WaitGroup
	var localResp, remoteResp *proto.Response
	winner := make(chan bool, 2) // true: local side reported first

	wg.Add(1)
	go func() {
		defer wg.Done()
		res := runLocal(localCtx, t, deps, setup)
		t.SetState(LocalFinished)
		localResp = res
		winner <- true
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		res := runRemote(remoteCtx, t, deps, setup)
		res.GomaFinished = true
		remoteResp = res
		winner <- false
	}()

	localFirst := <-winner

	if t.VerifyOutput {
		// Verifier mode disables cancellation of either side: let both
		// paths run to completion and compare their outputs rather than
		// letting the first responder short-circuit the comparison.
		wg.Wait()
		compareOutputs(t, localResp, remoteResp)
		if localFirst {
			return localResp
		}
		return remoteResp
	}

	// §4.1 Racing: "the other is cancelled if policy permits
	// (dont_kill_subprocess=false)" — the policy gates cancellation
	// itself, not just the explicit kill layered on top of it.
	dontKill := deps.DontKillSubprocess || setup.DontKillSubprocess
	if localFirst {
		if !dontKill {
			remoteCancel()
		}
		go func() { wg.Wait() }() // drain the losing remote call without blocking the reply
		return localResp
	}

	if !dontKill {
		localCancel()
		if killable, ok := deps.Subprocess.(Killable); ok {
			if err := killable.Kill(localCtx); err != nil {
				log.Debug("task %s: killing raced local subprocess: %s", t.ID, err)
			} else {
				remoteResp.LocalKilled = true
			}
		}
	}
	go func() { wg.Wait() }() // drain the losing local run without blocking the reply
	return remoteResp
}

// compareOutputs logs a discrepancy between the local and remote sides of
// a verify_output race. Remote outputs are read back from disk: by the
// time runRemote returns, commitOutputs has already renamed them to their
// final path.
func compareOutputs(t *Task, local, remote *proto.Response) {
	if local == nil || remote == nil {
		return
	}
	remoteByName := make(map[string]*proto.OutputDescriptor, len(remote.Outputs))
	for i := range remote.Outputs {
		remoteByName[remote.Outputs[i].Filename] = &remote.Outputs[i]
	}
	for i := range local.Outputs {
		lo := &local.Outputs[i]
		if lo.Blob == nil {
			continue
		}
		ro, ok := remoteByName[lo.Filename]
		if !ok {
			log.Warning("task %s: verify_output: remote produced no output named %s", t.ID, lo.Filename)
			continue
		}
		content, err := os.ReadFile(ro.Filename)
		if err != nil {
			log.Warning("task %s: verify_output: reading remote output %s: %s", t.ID, ro.Filename, err)
			continue
		}
		if !bytes.Equal(lo.Blob.Content, content) {
			log.Warning("task %s: verify_output: local and remote outputs for %s differ", t.ID, lo.Filename)
		}
	}
}

func runLocal(ctx context.Context, t *Task, deps *Dependencies, setup *TaskSetup) *proto.Response {
	res, err := deps.Subprocess.Run(ctx, setup.LocalArgv, setup.LocalCwd, envfilter.ClientImportant(setup.Family, setup.RawEnv))
	if err != nil {
		return rejectedLocally(err)
	}
	resp := &proto.Response{ExitStatus: res.ExitStatus, Stdout: res.Stdout, Stderr: res.Stderr}
	for name, content := range res.Outputs {
		resp.Outputs = append(resp.Outputs, proto.OutputDescriptor{Filename: name, Blob: cas.BlobFromBytes(content)})
	}
	return resp
}

func runRemote(ctx context.Context, t *Task, deps *Dependencies, setup *TaskSetup) *proto.Response {
	t.SetState(Setup)

	if deps.Outputs != nil && setup.OutputCacheIdentifier != "" {
		if outs, ok := deps.Outputs.Lookup(setup.OutputCacheIdentifier); ok {
			return replyFromOutputCache(t, outs)
		}
	}

	handle, err := acquireCompilerInfo(ctx, deps, setup)
	if err != nil {
		return rejectedLocally(err)
	}
	defer handle.Release()
	t.CompilerInfo = handle
	info := handle.Info()
	if info.Disabled() {
		return rejectedLocally(fmt.Errorf("task: compiler %s disabled by server", info.RealPath))
	}

	if setup.IsLinkTask && deps.LinkerFIFO != nil {
		deps.LinkerFIFO.Acquire()
		defer deps.LinkerFIFO.Release()
	}

	t.SetState(FileReq)
	for {
		if t.Canceled() {
			return canceledResponse()
		}

		required, err := resolveRequiredFiles(deps, setup, info)
		if err != nil {
			return rejectedLocally(err)
		}
		t.SetRequiredFiles(required)

		if err := uploadMissing(ctx, t, deps, required); err != nil {
			if exhausted := t.IncAttempt(); exhausted {
				return rejectedLocally(fmt.Errorf("task: upload failed after retries: %w", err))
			}
			continue
		}

		t.SetState(CallExec)
		buildRequest(t, setup, required)
		if dropped := Shrink(t.Request); dropped > 0 {
			t.dropCount += dropped
			log.Debug("task %s: request shrinking dropped embedded content for %d inputs", t.ID, dropped)
		}

		start := time.Now()
		resp, err := deps.Exec.Call(ctx, t.Request)
		if err != nil {
			if deps.Health != nil {
				deps.Health.SetDegraded(true)
			}
			if exhausted := t.IncAttempt(); exhausted {
				return rejectedLocally(err)
			}
			t.SetState(CallExec)
			continue
		}
		if deps.Health != nil {
			deps.Health.Observe(float64(time.Since(start).Milliseconds()))
			deps.Health.SetDegraded(false)
		}

		if resp.ErrorKind == proto.BadRequest {
			return resp // fatal, do not retry
		}

		ObserveMissingInputs(len(resp.MissingInputs), len(required))
		if len(resp.MissingInputs) > 0 {
			for _, f := range resp.MissingInputs {
				t.filesMu.Lock()
				delete(t.uploadedThisRun, f)
				t.filesMu.Unlock()
				if deps.FileHashes != nil {
					deps.FileHashes.Forget(f)
				}
			}
			if exhausted := t.IncAttempt(); exhausted {
				return rejectedLocally(fmt.Errorf("task: missing inputs exceeded retry budget"))
			}
			t.SetState(FileReq)
			continue
		}

		t.SetState(FileResp)
		maybeRewriteCOFF(t, setup, resp) // before the bytes are written to disk
		if err := materializeOutputs(ctx, t, deps, setup, resp); err != nil {
			if exhausted := t.IncAttempt(); exhausted {
				return rejectedLocally(err)
			}
			t.SetState(FileReq)
			continue
		}

		t.SetState(Finished)
		if err := commitOutputs(t, resp); err != nil {
			log.Warning("task %s: commit failed: %s", t.ID, err)
		}
		if deps.Outputs != nil && setup.OutputCacheIdentifier != "" {
			saveOutputCache(deps, setup, resp)
		}
		return resp
	}
}

func acquireCompilerInfo(ctx context.Context, deps *Dependencies, setup *TaskSetup) (*compilerinfo.Handle, error) {
	if deps.CompilerInfo == nil {
		return nil, fmt.Errorf("task: no compiler-info cache configured")
	}
	if h, ok := deps.CompilerInfo.Lookup(setup.Key); ok {
		return h, nil
	}
	info, err := setup.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return deps.CompilerInfo.Store(setup.Key, info), nil
}

func resolveRequiredFiles(deps *Dependencies, setup *TaskSetup, info *compilerinfo.Info) ([]string, error) {
	if deps.Deps != nil {
		if resolved, ok := deps.Deps.Get(setup.DepsIdentifier, deps.DirectiveHasher); ok {
			files := make([]string, len(resolved))
			for i, r := range resolved {
				files[i] = r.Filename
			}
			return files, nil
		}
	}

	result, err := includes.Resolve(setup.IncludesConfig(info))
	if err != nil {
		return nil, err
	}
	if result.Fatal {
		return nil, fmt.Errorf("task: include resolution failed: %w", result.FatalErr)
	}

	if deps.Deps != nil {
		resolved := make([]depscache.ResolvedDep, 0, len(result.Files))
		for _, f := range result.Files {
			stat := pathhash.Stat(f)
			hash := ""
			if deps.DirectiveHasher != nil {
				if h, herr := deps.DirectiveHasher(f); herr == nil {
					hash = h
				}
			}
			resolved = append(resolved, depscache.ResolvedDep{Filename: f, FileStat: stat, DirectiveHash: hash})
		}
		deps.Deps.Put(setup.DepsIdentifier, resolved)
	}
	return result.Files, nil
}

func uploadMissing(ctx context.Context, t *Task, deps *Dependencies, required []string) error {
	for _, f := range required {
		if t.WasUploaded(f) && !NeedToSendContent() {
			continue
		}
		stat := pathhash.Stat(f)

		// A file already known-uploaded (by any task, not just this one)
		// under its current FileStat is referenced by hash alone: no
		// content read, no re-upload (§4.1 FILE_REQ).
		if !NeedToSendContent() && deps.FileHashes != nil {
			if hash, ok := deps.FileHashes.Lookup(f, stat); ok {
				t.RecordInputStat(f, stat)
				t.Request.Inputs = append(t.Request.Inputs, proto.InputFile{Filename: f, Hash: hash})
				t.MarkUploaded(f)
				continue
			}
		}

		blob, err := deps.Blobs.CreateFileBlob(ctx, f, true)
		if err != nil {
			return fmt.Errorf("task: hashing/uploading %s: %w", f, err)
		}
		t.RecordInputStat(f, stat)
		content := blob.Content
		if blob.Kind != cas.KindFile {
			content = nil // chunked content already landed via CreateFileBlob's pipeline
		}
		t.Request.Inputs = append(t.Request.Inputs, proto.InputFile{
			Filename: f,
			Hash:     blob.Hash,
			Content:  content,
		})
		t.MarkUploaded(f)
		if deps.FileHashes != nil {
			deps.FileHashes.Store(f, stat, blob.Hash)
		}
	}
	return nil
}

func buildRequest(t *Task, setup *TaskSetup, required []string) {
	t.Request.Envs = envfilter.ServerImportant(setup.Family, setup.RawEnv)
}

func materializeOutputs(ctx context.Context, t *Task, deps *Dependencies, setup *TaskSetup, resp *proto.Response) error {
	var errs error
	for i := range resp.Outputs {
		o := &resp.Outputs[i]
		if o.Blob == nil {
			continue
		}
		useTmp := t.VerifyOutput || resp.ExitStatus != 0 || deps.Subprocess != nil
		dest := o.Filename
		if useTmp {
			dest = fmt.Sprintf("%s.tmp.%s", o.Filename, t.ID)
		}
		sink, err := cas.NewFileSink(dest)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := deps.Blobs.OutputFileBlob(ctx, o.Blob, sink); err != nil {
			sink.Close()
			errs = multierror.Append(errs, err)
			continue
		}
		sink.Close()
		t.RecordOutputStat(o.Filename, pathhash.Stat(dest))
		o.Filename = dest // remember the on-disk path for commit
	}
	return errs
}

// commitOutputs renames each output's tmp path to its final destination
// (§4.1 FINISHED "commit_output"). Outputs that were written directly
// (no tmp suffix) are already final.
func commitOutputs(t *Task, resp *proto.Response) error {
	var errs error
	for i := range resp.Outputs {
		o := &resp.Outputs[i]
		tmpSuffix := ".tmp." + t.ID
		if len(o.Filename) < len(tmpSuffix) || o.Filename[len(o.Filename)-len(tmpSuffix):] != tmpSuffix {
			continue
		}
		final := o.Filename[:len(o.Filename)-len(tmpSuffix)]
		if err := os.Rename(o.Filename, final); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		o.Filename = final
	}
	return errs
}

func maybeRewriteCOFF(t *Task, setup *TaskSetup, resp *proto.Response) {
	if !setup.IsWindowsObject || setup.BReproSet {
		return
	}
	if resp.CacheHit == proto.NoCache {
		return
	}
	for i := range resp.Outputs {
		o := &resp.Outputs[i]
		if o.Blob == nil || o.Blob.Content == nil {
			continue
		}
		if err := objrewrite.RewriteTimestamp(o.Blob.Content, uint32(time.Now().Unix())); err != nil {
			log.Debug("task %s: COFF timestamp rewrite skipped for %s: %s", t.ID, o.Filename, err)
		}
	}
}

func saveOutputCache(deps *Dependencies, setup *TaskSetup, resp *proto.Response) {
	outs := make([]outputcache.Output, 0, len(resp.Outputs))
	for _, o := range resp.Outputs {
		if o.Blob == nil {
			continue
		}
		outs = append(outs, outputcache.Output{Filename: o.Filename, Content: o.Blob.Content, Executable: o.Executable})
	}
	if err := deps.Outputs.Store(setup.OutputCacheIdentifier, outs); err != nil {
		log.Warning("task: failed to save local-output cache entry: %s", err)
	}
}

func replyFromOutputCache(t *Task, outs []outputcache.Output) *proto.Response {
	t.SetState(LocalOutput)
	resp := &proto.Response{CacheHit: proto.LocalOutputCache}
	for _, o := range outs {
		dest := o.Filename
		if err := os.WriteFile(dest, o.Content, modeFor(o.Executable)); err != nil {
			log.Warning("task %s: failed to materialise output-cache hit %s: %s", t.ID, dest, err)
			continue
		}
		resp.Outputs = append(resp.Outputs, proto.OutputDescriptor{Filename: dest, Executable: o.Executable})
	}
	t.SetState(FileResp)
	t.SetState(Finished)
	return resp
}

func modeFor(executable bool) os.FileMode {
	if executable {
		return 0755
	}
	return 0644
}

func rejectedLocally(err error) *proto.Response {
	return &proto.Response{
		ExitStatus:    proto.ExitStatusRejectedLocally,
		ErrorMessages: []string{err.Error()},
		ErrorKind:     proto.BadRequest,
	}
}

func canceledResponse() *proto.Response {
	return &proto.Response{
		ExitStatus:    proto.ExitStatusNoResult,
		ErrorMessages: []string{"goma canceled"},
	}
}
