// Command ldclt drives a load-generator run: it parses the command-line
// surface (§6), builds the shared template object and subsystems, starts
// the worker threads, and runs the monitor/watchdog loop until shutdown.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/389ds/ldclt-nuncstans/internal/telemetry"
	"github.com/389ds/ldclt-nuncstans/loadgen"
	"github.com/389ds/ldclt-nuncstans/loadgen/async"
	"github.com/389ds/ldclt-nuncstans/loadgen/counters"
	"github.com/389ds/ldclt-nuncstans/loadgen/drivers"
	"github.com/389ds/ldclt-nuncstans/loadgen/imagepool"
	"github.com/389ds/ldclt-nuncstans/loadgen/randfmt"
	"github.com/389ds/ldclt-nuncstans/loadgen/repcheck"
	"github.com/389ds/ldclt-nuncstans/loadgen/scalab01"
	"github.com/389ds/ldclt-nuncstans/loadgen/stats"
	"github.com/389ds/ldclt-nuncstans/loadgen/template"
)

// samplingInterval is the monitor loop's fixed tick (§4.9). The original
// generator has no command-line override for this (ldclt.h's
// DEF_SAMPLING is a compile-time constant), so it is hardcoded here too.
const samplingInterval = 10 * time.Second

// The scalab01 attribute names and defaults below are the upstream
// generator's literal constants; the spec describes the mechanism but
// never names the attributes, so these come straight from
// scalab01.h.
const (
	scalab01AccAttrib  = "ntUserUnitsPerWeek"
	scalab01LockAttrib = "ntUserFlags"
	scalab01DefMaxCnx  = 5000
	scalab01DefCnxDur  = 3600
	scalab01DefWait    = 10
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	cfg, err := loadgen.ParseArgs(args)
	if err != nil {
		var ee *loadgen.ExitError
		if errors.As(err, &ee) {
			if ee.Code == loadgen.ExitOK {
				fmt.Fprintln(stdout, ee.Msg)
				return int(loadgen.ExitOK)
			}
			fmt.Fprintf(stderr, "ldclt[%d]: %s\n", os.Getpid(), ee.Msg)
			return int(ee.Code)
		}
		fmt.Fprintf(stderr, "ldclt[%d]: %s\n", os.Getpid(), err)
		return int(loadgen.ExitBadParams)
	}

	logger := telemetry.New(telemetry.Config{Writer: stderr, Quiet: cfg.Quiet || cfg.SuperQuiet})
	allocLogger := telemetry.AllocFailureLogger{Logger: logger}

	if cfg.E.GenLDIFFile != "" {
		obj, err := loadObject(cfg)
		if err != nil {
			logger.Err().Err(err).Log("object load failed")
			return int(loadgen.ExitInitFailure)
		}
		if err := runGenLDIF(cfg, obj); err != nil {
			logger.Err().Err(err).Log("genldif run failed")
			return int(loadgen.ExitInitFailure)
		}
		return int(loadgen.ExitOK)
	}

	op := loadgen.ResolveOp(cfg.E)
	needsObject := op == loadgen.OpAdd || op == loadgen.OpModify || op == loadgen.OpRename
	var obj *template.Object
	if needsObject || cfg.E.ObjectFile != "" {
		obj, err = loadObject(cfg)
		if err != nil {
			logger.Err().Err(err).Log("object load failed")
			return int(loadgen.ExitInitFailure)
		}
	}
	if needsObject && obj == nil {
		fmt.Fprintf(stderr, "ldclt[%d]: T001: operation requires -e object=file\n", os.Getpid())
		return int(loadgen.ExitBadParams)
	}

	monitor := stats.NewMonitor(cfg.MaxErrors, cfg.IgnoreErrors, cfg.InactivitySamples, cfg.E.DontSleepOnServerDown)

	var repList *repcheck.OpList
	var repListener net.Listener
	var stopRepcheck context.CancelFunc
	if cfg.MasterPort > 0 {
		repList = repcheck.NewOpList()
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.MasterPort))
		if err != nil {
			logger.Err().Err(err).Log("replication listener failed")
			return int(loadgen.ExitResourceLimit)
		}
		repListener = ln
		ctx, cancel := context.WithCancel(context.Background())
		stopRepcheck = cancel
		go func() {
			_ = repcheck.AcceptLoop(ctx, ln, repList, repcheck.AcceptConfig{
				MaxBatch:       32,
				MinBatch:       1,
				PartialTimeout: time.Duration(cfg.Timeout) * time.Second,
			}, func(idx int, rec repcheck.Record, class repcheck.Classification) {
				logger.Info().Int64("checker", int64(idx)).Str("class", class.String()).Log("replication record classified")
			})
		}()
	}

	url := buildURL(cfg)
	bindCfg := buildBindConfig(cfg)

	var scParams *loadgen.Scalab01Params
	var scalab01Stop chan struct{}
	if cfg.E.Scalab01 {
		maxCnx := cfg.E.Scalab01MaxCnxNb
		if maxCnx <= 0 {
			maxCnx = scalab01DefMaxCnx
		}
		cnxDuration := cfg.E.Scalab01CnxDuration
		if cnxDuration <= 0 {
			cnxDuration = scalab01DefCnxDur
		}
		wait := cfg.E.Scalab01Wait
		if wait <= 0 {
			wait = scalab01DefWait
		}

		modems := scalab01.NewModemPool(maxCnx)
		locks := scalab01.NewDNLock()
		controller := scalab01.NewController()

		admin, err := drivers.Dial(url, bindCfg)
		if err != nil {
			logger.Err().Err(err).Log("scalab01 admin bind failed")
			return int(loadgen.ExitCannotBind)
		}
		scalab01Stop = make(chan struct{})
		go runScalab01Controller(controller, modems, admin, scalab01Stop, logger)

		scParams = &loadgen.Scalab01Params{
			Modems:         modems,
			Locks:          locks,
			Controller:     controller,
			WaitSeconds:    wait,
			CnxDuration:    cnxDuration,
			AccountingAttr: scalab01AccAttrib,
			LockAttr:       scalab01LockAttrib,
		}
	}

	var drainer *async.Drainer
	if cfg.AsyncMax > 0 {
		drainer = async.NewDrainer(func(ctx context.Context, completions []async.Completion) error {
			for _, c := range completions {
				if c.ResultCode == 0 {
					monitor.RecordSuccess()
				} else {
					monitor.RecordError(c.ResultCode)
				}
			}
			return nil
		})
		defer drainer.Close()
	}

	var images *imagepool.Pool
	if cfg.E.ImagesDir != "" {
		images, err = imagepool.Load(cfg.E.ImagesDir)
		if err != nil {
			logger.Err().Err(err).Log("image pool load failed")
			return int(loadgen.ExitInitFailure)
		}
	}

	var bindPool []randombindEntry
	if cfg.E.RandomBindDNFromFile != "" {
		bindPool, err = loadRandomBindFile(cfg.E.RandomBindDNFromFile)
		if err != nil {
			logger.Err().Err(err).Log("randombind file load failed")
			return int(loadgen.ExitInitFailure)
		}
	}

	workers := make([]*loadgen.Worker, cfg.Threads)
	for i := range workers {
		params := buildWorkerParams(cfg, obj, i, op, monitor, repList, scParams, drainer, images, bindPool, allocLogger, url)
		workers[i] = loadgen.NewWorker(params, nil)
	}

	for _, w := range workers {
		go w.Run()
	}

	runMonitorLoop(cfg, workers, monitor, repList, logger)

	requestShutdown(workers)
	waitForShutdown(cfg, workers, logger)

	if repList != nil {
		stopRepcheck()
		_ = repListener.Close()
		waitForCheckers(repList, cfg.Timeout)
	}
	if scalab01Stop != nil {
		close(scalab01Stop)
	}

	printStats(monitor, logger)

	exit := loadgen.ExitOK
	for _, w := range workers {
		if w.ExitStatus() > exit {
			exit = w.ExitStatus()
		}
	}
	return int(exit)
}

// loadObject loads the object description named by -e object=, or
// synthesises a bare rdn-only object from -e rdn=type:pattern when no
// file is given.
func loadObject(cfg *loadgen.Config) (*template.Object, error) {
	var commonCounters map[string]*counters.Common
	opts := template.ParseOptions{
		LoadDataFile: randfmt.LoadDataFile,
	}
	if cfg.E.CommonCounter {
		commonCounters = make(map[string]*counters.Common)
		opts.CommonCounter = func(lo, hi int, noLoop bool) template.Incrementer {
			key := fmt.Sprintf("%d:%d:%v", lo, hi, noLoop)
			c, ok := commonCounters[key]
			if !ok {
				c = counters.NewCommon(lo, hi, noLoop)
				commonCounters[key] = c
			}
			return c
		}
	}

	if cfg.E.ObjectFile != "" {
		f, err := os.Open(cfg.E.ObjectFile)
		if err != nil {
			return nil, fmt.Errorf("open object file: %w", err)
		}
		defer f.Close()
		return template.Parse(f, opts)
	}

	if cfg.E.RDNPattern != "" {
		src := fmt.Sprintf("rdn: %s=%s\n", cfg.E.RDNType, cfg.E.RDNPattern)
		return template.Parse(strings.NewReader(src), opts)
	}

	return nil, nil
}

func buildURL(cfg *loadgen.Config) string {
	scheme := "ldap"
	if cfg.CertFile != "" {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
}

func buildBindConfig(cfg *loadgen.Config) drivers.BindConfig {
	bc := drivers.BindConfig{
		BindEach: cfg.E.BindEach,
		CloseFD:  cfg.E.Close,
		ProtoV2:  cfg.E.V2,
		Referral: drivers.ReferralPolicy(cfg.E.Referral),
		BindDN:   cfg.BindDN,
		Password: cfg.Password,
	}
	if cfg.SASL.Mech != "" {
		bc.SASL = &drivers.SASLBind{
			Mechanism: cfg.SASL.Mech,
			Realm:     cfg.SASL.Realm,
			AuthzID:   cfg.SASL.AuthzID,
			AuthID:    cfg.SASL.AuthID,
		}
	}
	return bc
}

func buildWorkerParams(
	cfg *loadgen.Config,
	obj *template.Object,
	id int,
	op loadgen.OpKind,
	monitor *stats.Monitor,
	repList *repcheck.OpList,
	scParams *loadgen.Scalab01Params,
	drainer *async.Drainer,
	images *imagepool.Pool,
	bindPool []randombindEntry,
	allocLogger loadgen.AllocFailureLogger,
	url string,
) loadgen.WorkerParams {
	bindCfg := buildBindConfig(cfg)
	if len(bindPool) > 0 {
		entry := bindPool[id%len(bindPool)]
		bindCfg.BindDN = entry.DN
		bindCfg.Password = entry.Password
	} else if cfg.E.RandomBindDN && cfg.E.RandomBindDNHigh > cfg.E.RandomBindDNLow {
		n := randfmt.Int(cfg.E.RandomBindDNLow, cfg.E.RandomBindDNHigh)
		bindCfg.BindDN = fmt.Sprintf("uid=user%d,%s", n, cfg.Base)
	}

	params := loadgen.WorkerParams{
		ID:   id,
		URL:  url,
		Bind: bindCfg,

		Object: obj,
		Base:   cfg.Base,

		Filter:     cfg.Filter,
		Scope:      int(cfg.Scope),
		SizeLimit:  0,
		TimeLimit:  cfg.Timeout,
		AttrList:   cfg.E.AttrList,
		ModifyAttr: modifyAttrName(cfg, obj),

		WithNewParent: cfg.E.WithNewParent,
		NewParent:     cfg.Base,
		CountEach:     cfg.E.CountEach,

		Op: op,

		AsyncMax: cfg.AsyncMax,
		AsyncMin: cfg.AsyncMin,
		Drainer:  drainer,

		RepList: repList,
		Monitor: monitor,
		Logger:  allocLogger,

		Scalab01: scParams,

		WaitSeconds: time.Duration(cfg.WaitSeconds) * time.Second,
		TotalOps:    perWorkerTotal(cfg, id),
	}

	if cfg.RandomHigh > cfg.RandomLow || cfg.RandomHigh == cfg.RandomLow && cfg.RandomHigh != 0 {
		params.BaseRange = randfmt.NewCounter(cfg.RandomLow, cfg.RandomHigh, cfg.E.NoLoop)
	}

	if images != nil {
		params.Images = images
	}

	return params
}

// perWorkerTotal splits -T's total-operations budget evenly across
// threads (the remainder goes to the first workers), matching §6's
// `-T total-ops` being a process-wide budget rather than a per-thread
// one.
func perWorkerTotal(cfg *loadgen.Config, id int) int {
	if cfg.TotalOps <= 0 {
		return 0
	}
	base := cfg.TotalOps / cfg.Threads
	extra := cfg.TotalOps % cfg.Threads
	if id < extra {
		return base + 1
	}
	return base
}

// modifyAttrName resolves the `-e attreplace=name:pattern` attribute
// name for modify runs; falls back to the object's first declared
// attribute if attreplace wasn't given but an object file was.
func modifyAttrName(cfg *loadgen.Config, obj *template.Object) string {
	if cfg.E.AttrReplaceName != "" {
		return cfg.E.AttrReplaceName
	}
	if obj != nil && len(obj.Attributes) > 0 {
		return obj.Attributes[0].Name
	}
	return ""
}

type randombindEntry struct{ DN, Password string }

// loadRandomBindFile parses the randombind file format from §6: one
// `<bindDN>\t<password>` record per line.
func loadRandomBindFile(path string) ([]randombindEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("randombind: %w", err)
	}
	defer f.Close()

	var entries []randombindEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		dn, pw, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("randombind: malformed line %q", line)
		}
		entries = append(entries, randombindEntry{DN: dn, Password: pw})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("randombind: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("randombind: %q has no records", path)
	}
	return entries, nil
}

// runScalab01Controller ticks the session controller once a second and
// settles every expired session (§4.12's controller path), until stop
// is closed.
func runScalab01Controller(c *scalab01.Controller, modems *scalab01.ModemPool, admin *drivers.Connection, stop chan struct{}, logger *telemetry.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, s := range c.Tick() {
				if err := scalab01.Settle(admin, modems, s, scalab01AccAttrib, scalab01LockAttrib); err != nil {
					logger.Warning().Str("dn", s.DN).Err(err).Log("scalab01 settle failed")
				}
			}
		}
	}
}

// runMonitorLoop implements §4.9's periodic sampling tick plus
// SIGINT/SIGQUIT handling (§6), returning once a shutdown condition is
// reached: sample-budget exhaustion, inactivity, all workers dead, or
// SIGINT.
func runMonitorLoop(cfg *loadgen.Config, workers []*loadgen.Worker, monitor *stats.Monitor, repList *repcheck.OpList, logger *telemetry.Logger) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	counterList := make([]stats.WorkerCounter, len(workers))
	for i, w := range workers {
		counterList[i] = w
	}

	ticker := time.NewTicker(samplingInterval)
	defer ticker.Stop()

	samplesLeft := cfg.SampleBudget

	for {
		select {
		case sig := <-sigCh:
			printStats(monitor, logger)
			if sig == syscall.SIGINT {
				return
			}
			// SIGQUIT: print and continue.

		case <-ticker.C:
			_, inactive := monitor.Sample(counterList)
			if !cfg.E.NoGlobalStats {
				printStats(monitor, logger)
			}
			if inactive {
				logger.Warning().Log("inactivity limit reached, shutting down")
				return
			}
			if cfg.SampleBudget > 0 {
				samplesLeft--
				if samplesLeft <= 0 {
					return
				}
			}
		}

		if allDead(workers) {
			return
		}
	}
}

func allDead(workers []*loadgen.Worker) bool {
	for _, w := range workers {
		if w.Status() != loadgen.StatusDead {
			return false
		}
	}
	return true
}

// requestShutdown implements §4.10 step 1.
func requestShutdown(workers []*loadgen.Worker) {
	for _, w := range workers {
		w.RequestShutdown()
	}
}

// waitForShutdown implements §4.10 steps 2: SMOOTHSHUTDOWN polls up to
// 20 times at one-second intervals; otherwise it blocks until every
// worker reaches DEAD.
func waitForShutdown(cfg *loadgen.Config, workers []*loadgen.Worker, logger *telemetry.Logger) {
	if !cfg.E.SmoothShutdown {
		for !allDead(workers) {
			time.Sleep(50 * time.Millisecond)
		}
		return
	}
	for i := 0; i < 20; i++ {
		if allDead(workers) {
			return
		}
		time.Sleep(time.Second)
	}
	alive := 0
	for _, w := range workers {
		if w.Status() != loadgen.StatusDead {
			alive++
		}
	}
	if alive > 0 {
		logger.Warning().Int64("alive", int64(alive)).Log("smooth shutdown expired with workers still alive")
	}
}

// waitForCheckers implements §4.10 step 3: poll replication checker
// statuses until all are DEAD, bounded by twice the LDAP timeout so a
// connection an auditor never closes can't hang shutdown forever.
func waitForCheckers(repList *repcheck.OpList, timeoutSeconds int) {
	deadline := time.Now().Add(2 * time.Duration(timeoutSeconds) * time.Second)
	for time.Now().Before(deadline) {
		if repList.CheckersDone() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

var statsSeq atomic.Int64

func printStats(monitor *stats.Monitor, logger *telemetry.Logger) {
	snap := monitor.Snapshot()
	e := logger.Info().Int64("seq", statsSeq.Add(1)).Int64("successes", int64(snap.Successes)).Int64("total", int64(snap.Total))
	for code, n := range snap.Errors {
		e = e.Int64(fmt.Sprintf("err_%d", code), int64(n))
	}
	e.Log("stats")
}

// runGenLDIF implements the `-e genldif=file` output mode (§6
// "Generated LDIF output"): render one entry per iteration against the
// configured base/range instead of issuing any LDAP operation, writing
// through a 64 KiB buffer flushed at the end.
func runGenLDIF(cfg *loadgen.Config, obj *template.Object) error {
	if obj == nil {
		return fmt.Errorf("genldif: -e object=file is required")
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if cfg.E.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(cfg.E.GenLDIFFile, flags, 0o644)
	if err != nil {
		return fmt.Errorf("genldif: open %q: %w", cfg.E.GenLDIFFile, err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 64*1024)
	defer w.Flush()

	var baseRange *randfmt.Counter
	if cfg.RandomHigh > cfg.RandomLow {
		baseRange = randfmt.NewCounter(cfg.RandomLow, cfg.RandomHigh, cfg.E.NoLoop)
	}

	total := cfg.TotalOps
	vars := make(template.Vars)
	for n := 0; total <= 0 || n < total; n++ {
		base := cfg.Base
		if baseRange != nil {
			v, ok := baseRange.Next()
			if !ok {
				break
			}
			base = fmt.Sprintf("%d,%s", v, base)
		}

		for k := range vars {
			delete(vars, k)
		}

		dn := base
		if obj.RDN != nil {
			rdn, err := template.Render(obj.RDN, vars)
			if err != nil {
				if errors.Is(err, template.ErrNoLoopExhausted) {
					break
				}
				return fmt.Errorf("genldif: render rdn: %w", err)
			}
			dn = rdn + "," + base
		}

		fmt.Fprintf(w, "dn: %s\n", dn)
		exhausted := false
		for _, a := range obj.Attributes {
			v, err := template.Render(&a, vars)
			if err != nil {
				if errors.Is(err, template.ErrNoLoopExhausted) {
					exhausted = true // end the outer loop after this entry
					break
				}
				return fmt.Errorf("genldif: render %s: %w", a.Name, err)
			}
			fmt.Fprintf(w, "%s: %s\n", a.Name, v)
		}
		fmt.Fprintln(w)
		if exhausted {
			break
		}
	}

	return w.Flush()
}
