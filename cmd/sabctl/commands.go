package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/cpu"

	"github.com/nmxmxh/sabproxy/kernel/threads/foundation"
	"github.com/nmxmxh/sabproxy/kernel/threads/metrics"
	"github.com/nmxmxh/sabproxy/kernel/threads/proxy"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
	"github.com/nmxmxh/sabproxy/kernel/utils"
)

const cacheLine = unsafe.Sizeof(cpu.CacheLinePad{})

var errCASFailed = errors.New("compare-exchange did not match")

func newFlags(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.out)
	return fs
}

func wantArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: sabctl %s", usage)
	}
	return nil
}

// runInit stamps the header, checks the layout and creates any
// configured message queues.
func runInit(ctx context.Context, e *env, args []string) error {
	fs := newFlags("init", e)
	force := fs.Bool("force", false, "re-stamp an initialized region and recreate queues")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if h, err := schema.OpenHeader(e.region); err == nil && !*force {
		e.logger.Info("Region already initialized", utils.Uint32("flags", h.Flags.LoadAcquire()))
		fmt.Fprintf(e.out, "%s already initialized\n", e.region.Name())
		return nil
	}

	validator, err := layoutValidator(e)
	if err != nil {
		return err
	}
	if err := validator.ValidateLayout(); err != nil {
		return utils.WrapError(err, "layout")
	}

	for _, o := range e.cfg.Objects {
		if o.Capacity == 0 {
			continue
		}
		if o.Type != schema.ChannelConfigType().Name {
			return fmt.Errorf("object %q: capacity needs type %s", o.Name, schema.ChannelConfigType().Name)
		}
		if _, err := foundation.CreateMessageQueue(e.region, uintptr(o.Offset), o.Capacity); err != nil {
			return utils.WrapError(err, o.Name)
		}
		e.logger.Info("Created queue", utils.String("object", o.Name), utils.Uint32("capacity", o.Capacity))
	}

	h, err := schema.InitHeader(e.region)
	if err != nil {
		return err
	}
	if ready, err := foundation.NewEpoch(e.region, sab.IDX_REGION_READY); err == nil {
		ready.Increment()
	}
	e.logger.Info("Region initialized",
		utils.String("path", e.region.Name()),
		utils.Uint64("size", h.Size.LoadAcquire()),
		utils.Int("objects", len(e.cfg.Objects)),
	)
	fmt.Fprint(e.out, validator.MemoryMap())
	return nil
}

func runGet(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: sabctl get <addr>...")
	}
	for _, addr := range args {
		// A bare object name prints every field.
		if obj, info, err := lookupObject(e.cfg, e.reg, addr); err == nil {
			for _, leaf := range info.Leaves() {
				c, err := bindCell(e.region, leaf.Field.Kind, uintptr(obj.Offset)+leaf.Offset)
				if err != nil {
					continue
				}
				fmt.Fprintf(e.out, "%s.%s = %s\n", addr, leaf.Path, c.Load())
			}
			continue
		}
		c, err := resolve(e.cfg, e.reg, e.region, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s = %s\n", addr, c.Load())
	}
	return nil
}

func runSet(ctx context.Context, e *env, args []string) error {
	if err := wantArgs(args, 2, "set <addr> <value>"); err != nil {
		return err
	}
	c, err := resolve(e.cfg, e.reg, e.region, args[0])
	if err != nil {
		return err
	}
	if err := c.Store(args[1]); err != nil {
		return err
	}
	e.logger.Debug("Stored", utils.String("addr", args[0]), utils.String("value", args[1]))
	fmt.Fprintf(e.out, "%s = %s\n", args[0], c.Load())
	return nil
}

func runCAS(ctx context.Context, e *env, args []string) error {
	if err := wantArgs(args, 3, "cas <addr> <expected> <desired>"); err != nil {
		return err
	}
	c, err := resolve(e.cfg, e.reg, e.region, args[0])
	if err != nil {
		return err
	}
	prev, ok, err := c.CompareExchange(args[2], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s was %s\n", args[0], prev)
	if !ok {
		return fmt.Errorf("%s: expected %s, found %s: %w", args[0], args[1], prev, errCASFailed)
	}
	return nil
}

func runAdd(ctx context.Context, e *env, args []string) error {
	if err := wantArgs(args, 2, "add <addr> <delta>"); err != nil {
		return err
	}
	c, err := resolve(e.cfg, e.reg, e.region, args[0])
	if err != nil {
		return err
	}
	v, err := c.Add(args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s = %s\n", args[0], v)
	return nil
}

// runWatch prints the cell each time it changes.
func runWatch(ctx context.Context, e *env, args []string) error {
	fs := newFlags("watch", e)
	interval := fs.Duration("interval", 100*time.Millisecond, "poll interval")
	count := fs.Int("count", 0, "stop after n changes (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs.Args(), 1, "watch [-interval d] [-count n] <addr>"); err != nil {
		return err
	}
	addr := fs.Arg(0)
	c, err := resolve(e.cfg, e.reg, e.region, addr)
	if err != nil {
		return err
	}

	last := c.Load()
	fmt.Fprintf(e.out, "%s = %s\n", addr, last)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for changes := 0; *count == 0 || changes < *count; {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if v := c.Load(); v != last {
			last = v
			changes++
			fmt.Fprintf(e.out, "%s = %s\n", addr, v)
		}
	}
	return nil
}

func guardArgs(e *env, args []string, usage string) (*foundation.Guard, uint32, error) {
	if err := wantArgs(args, 2, usage); err != nil {
		return nil, 0, err
	}
	idx, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return nil, 0, fmt.Errorf("guard %q: %w", args[0], err)
	}
	owner, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return nil, 0, fmt.Errorf("owner %q: %w", args[1], err)
	}
	g, err := foundation.NewGuard(e.region, uint8(idx))
	if err != nil {
		return nil, 0, err
	}
	return g, uint32(owner), nil
}

// runLock takes a writer guard, waiting up to -wait for it.
func runLock(ctx context.Context, e *env, args []string) error {
	fs := newFlags("lock", e)
	wait := fs.Duration("wait", 0, "wait this long for a held guard")
	if err := fs.Parse(args); err != nil {
		return err
	}
	g, owner, err := guardArgs(e, fs.Args(), "lock [-wait d] <guard> <owner>")
	if err != nil {
		return err
	}
	if *wait > 0 {
		ctx, cancel := context.WithTimeout(ctx, *wait)
		defer cancel()
		err = g.Acquire(ctx, owner)
	} else {
		err = g.TryAcquire(owner)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "guard %d held by %d\n", g.Index(), owner)
	return nil
}

func runUnlock(ctx context.Context, e *env, args []string) error {
	fs := newFlags("unlock", e)
	force := fs.Bool("force", false, "free the guard whoever holds it and clear its counters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	g, owner, err := guardArgs(e, fs.Args(), "unlock [-force] <guard> <owner>")
	if err != nil {
		return err
	}
	if *force {
		e.logger.Warn("Resetting guard",
			utils.Int("guard", int(g.Index())),
			utils.Uint32("holder", g.Holder()),
			utils.Uint32("violations", g.Violations()),
		)
		g.Reset()
	} else if err := g.Release(owner); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "guard %d free\n", g.Index())
	return nil
}

// layoutValidator registers the fixed spans and one span per configured
// object. "data" is left out since objects carve it up.
func layoutValidator(e *env) (*sab.Validator, error) {
	validator := sab.NewEmptyValidator(e.region.Size())
	var errs []error
	for _, span := range sab.DefaultRegions(e.region.Size()) {
		if span.Name != "data" {
			errs = append(errs, validator.RegisterRegion(span.Name, span.Offset, span.Size, span.Purpose))
		}
	}
	for _, o := range e.cfg.Objects {
		_, info, err := lookupObject(e.cfg, e.reg, o.Name)
		if err != nil {
			return nil, err
		}
		size := info.Size
		if o.Capacity > 0 {
			size = foundation.QueueFootprint(o.Capacity)
		}
		errs = append(errs, validator.RegisterRegion(o.Name, uintptr(o.Offset), size, o.Type))
	}
	if err := utils.Combine(errs...); err != nil {
		return nil, utils.WrapError(err, "layout")
	}
	return validator, nil
}

// runStress has workers take a CompareExchange spin lock and bump a
// plain counter under it, then checks no increment was lost. Lock and
// counter sit on separate cache lines.
func runStress(ctx context.Context, e *env, args []string) error {
	fs := newFlags("stress", e)
	workers := fs.Int("workers", runtime.GOMAXPROCS(0), "concurrent workers")
	iterations := fs.Int("iterations", 10000, "lock acquisitions per worker")
	offset := fs.Uint64("offset", 0, "offset of the lock cell (default: last two cache lines)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	off := uintptr(*offset)
	if off == 0 {
		off = e.region.Size() - 2*cacheLine
		validator, err := layoutValidator(e)
		if err != nil {
			return err
		}
		if err := validator.RegisterRegion("stress", off, 2*cacheLine, "stress lock and counter"); err != nil {
			return fmt.Errorf("default offset %#x: %w; pass -offset", off, err)
		}
	}
	lock, err := proxy.At[uint32](e.region, off)
	if err != nil {
		return err
	}
	counter, err := proxy.CounterAt[uint64](e.region, off+cacheLine)
	if err != nil {
		return err
	}
	start := counter.LoadAcquire()

	e.logger.Info("Stress starting",
		utils.Int("workers", *workers),
		utils.Int("iterations", *iterations),
		utils.Hex("offset", off),
	)
	began := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for i := 0; i < *iterations; i++ {
				for lock.CompareExchange(1, 0) != 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
					runtime.Gosched()
				}
				counter.StoreRelaxed(counter.LoadRelaxed() + 1)
				lock.StoreRelease(0)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(began)
	want := start + uint64(*workers)*uint64(*iterations)
	got := counter.LoadAcquire()
	fmt.Fprintf(e.out, "workers=%d iterations=%d counter=%d elapsed=%s\n", *workers, *iterations, got, elapsed)
	if got != want {
		return fmt.Errorf("lost updates: counter %d, want %d", got, want)
	}
	return nil
}

// runServe exports configured objects and epochs over HTTP.
func runServe(ctx context.Context, e *env, args []string) error {
	fs := newFlags("serve", e)
	addr := fs.String("addr", e.cfg.Metrics.Addr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	collector := metrics.NewCellCollector(e.cfg.Metrics.Namespace)
	for _, o := range e.cfg.Objects {
		_, info, err := lookupObject(e.cfg, e.reg, o.Name)
		if err != nil {
			return err
		}
		if err := collector.WatchType(o.Name, info, e.region, uintptr(o.Offset)); err != nil {
			return err
		}
		if o.Capacity > 0 {
			mq, err := foundation.OpenMessageQueue(e.region, uintptr(o.Offset))
			if err != nil {
				return utils.WrapError(err, o.Name)
			}
			if err := collector.WatchQueue(o.Name, mq); err != nil {
				return err
			}
		}
	}
	for name, idx := range map[string]uint8{
		"region_ready": sab.IDX_REGION_READY,
		"data":         sab.IDX_DATA_EPOCH,
		"schema":       sab.IDX_SCHEMA_EPOCH,
	} {
		epoch, err := foundation.NewEpoch(e.region, idx)
		if err != nil {
			return err
		}
		if err := collector.WatchEpoch(name, epoch); err != nil {
			return err
		}
	}

	for idx := uint8(0); idx < sab.GUARD_COUNT; idx++ {
		g, err := foundation.NewGuard(e.region, idx)
		if err != nil {
			return err
		}
		if err := collector.WatchGuard(strconv.Itoa(int(idx)), g); err != nil {
			return err
		}
	}

	promReg := prometheus.NewRegistry()
	if err := promReg.Register(collector); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	shutdown := utils.NewGracefulShutdown(e.cfg.Metrics.Shutdown, e.logger)
	shutdown.Register("http", server.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("Serving metrics", utils.String("addr", *addr), utils.Int("series", collector.Len()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	return shutdown.Shutdown(context.Background())
}
