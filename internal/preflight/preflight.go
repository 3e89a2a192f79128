// SPDX-License-Identifier: MIT

// Package preflight validates that every subsystem the orchestrator depends
// on is reachable and sane: the state store, the event bus, image storage,
// the iSCSI CLI, the DHCP fragment directory and the TFTP boot files. The
// daemon runs it at startup (strict: any red check is fatal) and keeps the
// results fresh afterwards so operators can query them on demand.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/iscsi"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/store"
)

const (
	// minFreeBytes is the floor below which image storage is considered
	// unusable for new uploads.
	minFreeBytes = 10 << 30
	// maxUsedPercent guards against filling the filesystem that also holds
	// the state database.
	maxUsedPercent = 95.0
)

var checkOK = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ggnet_preflight_check_ok",
	Help: "1 when the named pre-flight check passes, 0 otherwise",
}, []string{"check"})

// Result is the outcome of one named check.
type Result struct {
	Name    string    `json:"name"`
	OK      bool      `json:"ok"`
	Message string    `json:"message"`
	Checked time.Time `json:"checked_at"`
}

// busState is the slice of the event bus pre-flight needs.
type busState interface {
	Running() bool
}

// Checker runs the full check suite and caches the latest results.
type Checker struct {
	st          store.Store
	events      busState
	mgr         iscsi.Manager
	gen         *bootfile.Generator
	storageDir  string
	fragmentDir string
	tftpRoot    string

	mu      sync.RWMutex
	results []Result
	ranAt   time.Time
}

// New wires a checker over the live subsystems.
func New(st store.Store, events busState, mgr iscsi.Manager, gen *bootfile.Generator, storageDir, fragmentDir, tftpRoot string) *Checker {
	return &Checker{
		st:          st,
		events:      events,
		mgr:         mgr,
		gen:         gen,
		storageDir:  storageDir,
		fragmentDir: fragmentDir,
		tftpRoot:    tftpRoot,
	}
}

// Run executes every check, caches and returns the results.
func (c *Checker) Run(ctx context.Context) []Result {
	now := time.Now().UTC()
	results := []Result{
		c.check(now, "state_store", c.checkStore(ctx)),
		c.check(now, "event_bus", c.checkBus()),
		c.check(now, "image_storage", c.checkStorage()),
		c.check(now, "iscsi_cli", c.checkISCSI(ctx)),
		c.check(now, "network_interface", c.checkInterface()),
		c.check(now, "dhcp_fragment_dir", checkWritable(c.fragmentDir)),
		c.check(now, "tftp_boot_files", c.checkTFTP()),
	}

	c.mu.Lock()
	c.results = results
	c.ranAt = now
	c.mu.Unlock()

	logger := log.WithComponent("preflight")
	for _, r := range results {
		checkOK.WithLabelValues(r.Name).Set(boolGauge(r.OK))
		evt := logger.Info()
		if !r.OK {
			evt = logger.Error()
		}
		evt.Str("check", r.Name).Bool("ok", r.OK).Str("message", r.Message).Msg("pre-flight check")
	}
	return results
}

// Results returns the cached outcomes and when they were produced.
func (c *Checker) Results() ([]Result, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out, c.ranAt
}

// Healthy reports whether the last run was all green.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.results) == 0 {
		return false
	}
	for _, r := range c.results {
		if !r.OK {
			return false
		}
	}
	return true
}

// Watch re-runs the suite whenever the watched directories change, so a
// deleted boot binary or a full disk shows up without polling. It returns
// when ctx ends.
func (c *Checker) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("preflight: watcher: %w", err)
	}
	defer watcher.Close()

	logger := log.WithComponent("preflight")
	for _, dir := range []string{c.tftpRoot, c.fragmentDir, c.storageDir} {
		if err := watcher.Add(dir); err != nil {
			logger.Warn().Err(err).Str("dir", dir).Msg("cannot watch directory")
		}
	}

	// Debounce bursts: one re-run at most every few seconds.
	var pending bool
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			if !pending {
				pending = true
				debounce.Reset(2 * time.Second)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		case <-debounce.C:
			pending = false
			c.Run(ctx)
		}
	}
}

type outcome struct {
	ok  bool
	msg string
}

func pass(format string, args ...any) outcome {
	return outcome{ok: true, msg: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) outcome {
	return outcome{ok: false, msg: fmt.Sprintf(format, args...)}
}

func (c *Checker) check(at time.Time, name string, o outcome) Result {
	return Result{Name: name, OK: o.ok, Message: o.msg, Checked: at}
}

func (c *Checker) checkStore(ctx context.Context) outcome {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.st.Ping(pingCtx); err != nil {
		return failf("state store unreachable: %v", err)
	}
	return pass("state store responding")
}

func (c *Checker) checkBus() outcome {
	if !c.events.Running() {
		return failf("event bus is shut down")
	}
	return pass("event bus running")
}

func (c *Checker) checkStorage() outcome {
	if o := checkWritable(c.storageDir); !o.ok {
		return o
	}
	var fs syscall.Statfs_t
	if err := syscall.Statfs(c.storageDir, &fs); err != nil {
		return failf("statfs %s: %v", c.storageDir, err)
	}
	free := int64(fs.Bavail) * fs.Bsize // #nosec G115 -- block counts fit int64 on every supported fs
	total := int64(fs.Blocks) * fs.Bsize
	if total <= 0 {
		return failf("statfs %s reported zero capacity", c.storageDir)
	}
	usedPct := 100 * float64(total-free) / float64(total)
	if free < minFreeBytes {
		return failf("only %.1f GiB free, need at least %d GiB", float64(free)/(1<<30), minFreeBytes>>30)
	}
	if usedPct > maxUsedPercent {
		return failf("filesystem %.1f%% full, limit is %.0f%%", usedPct, maxUsedPercent)
	}
	return pass("%.1f GiB free (%.1f%% used)", float64(free)/(1<<30), usedPct)
}

func (c *Checker) checkISCSI(ctx context.Context) outcome {
	cliCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if !c.mgr.Responsive(cliCtx) {
		return failf("targetcli is not responding")
	}
	return pass("iscsi cli responding")
}

func (c *Checker) checkInterface() outcome {
	ifaces, err := net.Interfaces()
	if err != nil {
		return failf("list interfaces: %v", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return pass("interface %s up with %d address(es)", ifc.Name, len(addrs))
	}
	return failf("no non-loopback interface with an address is up")
}

func (c *Checker) checkTFTP() outcome {
	if o := checkWritable(c.tftpRoot); !o.ok {
		return o
	}
	if missing := c.gen.MissingBinaries(); len(missing) > 0 {
		return failf("boot binaries missing from %s: %s", c.tftpRoot, strings.Join(missing, ", "))
	}
	return pass("all boot binaries present")
}

// checkWritable proves write access by creating and removing a probe file.
// Permission bits alone lie under ACLs and read-only mounts.
func checkWritable(dir string) outcome {
	info, err := os.Stat(dir)
	if err != nil {
		return failf("%s: %v", dir, err)
	}
	if !info.IsDir() {
		return failf("%s is not a directory", dir)
	}
	probe := filepath.Join(dir, ".ggnet-preflight")
	f, err := os.Create(probe) // #nosec G304 -- probe file under an operator-configured directory
	if err != nil {
		return failf("%s is not writable: %v", dir, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)
	return pass("%s writable", dir)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
