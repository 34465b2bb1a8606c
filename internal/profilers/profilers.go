// Package profilers installs the profiling flags used by the inpaintGo binaries, and starts the
// configured profilers.
//
//   - -prof=<port>: serves net/http/pprof on localhost:<port>, and keeps the program alive at the end.
//   - -cpu_profile=<file>: writes a CPU profile for the whole run.
//   - -mem_profile=<file>: writes a heap profile at exit.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the pprof HTTP server at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagMemProfile = flag.String("mem_profile", "", "write heap profile to `file` at exit")
)

// Profilers started by Setup. Call OnQuit before exiting.
type Profilers struct {
	ctx          context.Context
	httpAddr     string
	cpuProfile   *os.File
	heapFileName string
}

// Setup starts the HTTP (flag -prof) and CPU (flag -cpu_profile) profilers, if they were configured.
// Follow it with a deferred call to OnQuit.
//
// ctx is used to decide when to exit, if the HTTP profiler is kept alive at the end.
func Setup(ctx context.Context) (*Profilers, error) {
	p := &Profilers{ctx: ctx, heapFileName: *flagMemProfile}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return nil, errors.Wrapf(err, "could not create CPU profile %q", *flagCPUProfile)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "could not start CPU profile %q", *flagCPUProfile)
		}
		p.cpuProfile = f
	}
	if *flagProfiler >= 0 {
		p.httpAddr = fmt.Sprintf("localhost:%d", *flagProfiler)
		fmt.Printf("Starting profiler on %s/debug/pprof\n", p.httpAddr)
		fmt.Printf("- You can access it with: $ go tool pprof %s/debug/pprof/heap\n", p.httpAddr)
		go func() {
			klog.Fatal(http.ListenAndServe(p.httpAddr, nil))
		}()
	}
	return p, nil
}

// OnQuit stops the CPU profile, writes the heap profile and, if the HTTP profiler is running, keeps
// the program alive until ctx is cancelled (usually with Ctrl+C).
func (p *Profilers) OnQuit() {
	if p == nil {
		return
	}
	if p.cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuProfile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %+v", err)
		}
		p.cpuProfile = nil
	}
	if p.heapFileName != "" {
		if err := writeHeapProfile(p.heapFileName); err != nil {
			klog.Errorf("%+v", err)
		}
	}
	if p.httpAddr == "" || p.ctx.Err() != nil {
		return
	}
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", p.httpAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-p.ctx.Done()
}

func writeHeapProfile(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "could not create heap profile %q", fileName)
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return errors.Wrapf(err, "could not write heap profile %q", fileName)
	}
	return nil
}
