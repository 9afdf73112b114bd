// Command lcfsd is lcfs's daemon entry point: it opens (or formats) the
// backing device, builds the layer tree and background threads, and
// mounts the base and layer mount points.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/lcfs-project/lcfs/internal/alloc"
	"github.com/lcfs-project/lcfs/internal/bg"
	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/fuseserver"
	"github.com/lcfs-project/lcfs/internal/ioctl"
	"github.com/lcfs-project/lcfs/internal/layer"
	"github.com/lcfs-project/lcfs/internal/lclog"
	"github.com/lcfs-project/lcfs/internal/memtrack"
	"github.com/lcfs-project/lcfs/internal/mountcheck"
	"github.com/lcfs-project/lcfs/internal/ops"
	"github.com/lcfs-project/lcfs/internal/sb"
)

// memoryLimit bounds the accounted in-core state before the cleaner
// starts reclaiming and writers start waiting.
const memoryLimit = 512 << 20

func main() {
	log.SetFlags(log.Lmicroseconds)
	os.Exit(run())
}

func run() int {
	foreground := flag.Bool("f", false, "stay attached to the terminal")
	format := flag.Bool("c", false, "format the device before mounting")
	debug := flag.Bool("d", false, "trace every FUSE request")
	memStats := flag.Bool("m", false, "print memory accounting stats on exit")
	reqStats := flag.Bool("r", false, "print device request stats on exit")
	typeStats := flag.Bool("t", false, "print the root layer's inode count on exit (no per-file-type counters are kept)")
	cpuprofile := flag.String("p", "", "write a CPU profile to this file")
	swapLayers := flag.Bool("s", false, "swap mount points on layer commit")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 3 {
		fmt.Printf("usage: %s [flags] <device> <base-mount> <layer-mount>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		return int(syscall.EINVAL)
	}
	devicePath := flag.Arg(0)
	baseMount := flag.Arg(1)
	layerMount := flag.Arg(2)

	lclog.SetVerbose(*verbose)
	logger := lclog.New("lcfsd")

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logger.Printf("create cpu profile: %v", err)
			return int(syscall.EIO)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			logger.Printf("start cpu profile: %v", err)
			return int(syscall.EIO)
		}
		defer pprof.StopCPUProfile()
	}

	dev, err := device.Open(devicePath, *format)
	if err != nil {
		logger.Printf("open %s: %v", devicePath, err)
		return int(syscall.EIO)
	}
	defer dev.Close()

	totalBlocks, err := dev.SizeBlocks()
	if err != nil {
		logger.Printf("size %s: %v", devicePath, err)
		return int(syscall.EIO)
	}
	if totalBlocks < sb.MinBlocks {
		logger.Printf("%s is too small: %d blocks, need at least %d", devicePath, totalBlocks, sb.MinBlocks)
		return int(syscall.EINVAL)
	}

	tracker := memtrack.NewTracker(memoryLimit, 0.8, 0.95)

	formatFresh := func() *layer.Manager {
		global := alloc.NewGlobalPool(sb.StartBlock, totalBlocks-sb.StartBlock)
		m := layer.NewManager(global, sb.RootInode, &tracker.Global)
		if err := m.WriteCheckpoint(dev, totalBlocks, true); err != nil {
			logger.Printf("format %s: %v", devicePath, err)
			return nil
		}
		logger.Printf("formatted %s: %d blocks", devicePath, totalBlocks)
		return m
	}

	var manager *layer.Manager
	if *format {
		manager = formatFresh()
	} else {
		var lerr error
		manager, lerr = layer.LoadManager(dev, &tracker.Global)
		if errors.Is(lerr, layer.ErrDirtyMount) {
			logger.Printf("%s was not unmounted cleanly, reformatting", devicePath)
			manager = formatFresh()
		} else if lerr != nil {
			logger.Printf("%s does not hold a valid lcfs superblock (run with -c first): %v", devicePath, lerr)
			return int(syscall.EIO)
		}
	}
	if manager == nil {
		return int(syscall.EIO)
	}

	handlers := ops.New(manager, dev, lclog.New("ops"))
	handlers.TotalBlocks = totalBlocks

	disp := &ioctl.Dispatcher{Manager: manager}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := bg.New(bg.Config{
		Manager:         manager,
		Dev:             dev,
		Tracker:         tracker,
		TotalBlocks:     totalBlocks,
		SyncInterval:    30 * time.Second,
		FlushInterval:   5 * time.Second,
		CleanerInterval: 10 * time.Second,
		Log:             lclog.New("bg"),
	})
	bgDone := make(chan error, 1)
	go func() { bgDone <- sup.Run(ctx) }()

	baseRoot, err := fuseserver.BaseRoot(handlers)
	if err != nil {
		logger.Printf("build base mount root: %v", err)
		return int(syscall.EIO)
	}
	baseServer, err := fuseserver.Mount(baseMount, baseRoot, *debug)
	if err != nil {
		logger.Printf("mount %s: %v", baseMount, err)
		return int(syscall.EIO)
	}
	if err := mountcheck.Require(baseMount, true); err != nil {
		logger.Printf("%v", err)
		return int(syscall.EIO)
	}

	layerRoot := fuseserver.NewLayerRoot(handlers, disp)
	layerServer, err := fuseserver.Mount(layerMount, layerRoot, *debug)
	if err != nil {
		logger.Printf("mount %s: %v", layerMount, err)
		_ = baseServer.Unmount()
		return int(syscall.EIO)
	}
	if err := mountcheck.Require(layerMount, true); err != nil {
		logger.Printf("%v", err)
		return int(syscall.EIO)
	}

	// fuseserver.LayerRoot already resolves any named layer as a
	// subdirectory of layerMount on first Lookup, so MountLayer and
	// UmountLayer only need to report whether the layer exists in the
	// tree.
	disp.Mount = func(name string) error {
		if _, ok := manager.Get(name); !ok {
			return layer.ErrNotFound
		}
		return nil
	}
	disp.Unmount = func(name string) error {
		return nil
	}

	if *swapLayers {
		logger.Printf("commit will swap the writable layer under its parent's name")
	}
	if *foreground {
		logger.Printf("lcfsd running: base=%s layer=%s", baseMount, layerMount)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigs:
		logger.Printf("received %v, unmounting", sig)
	case err := <-bgDone:
		if err != nil {
			logger.Printf("background supervisor stopped: %v", err)
			exitCode = int(syscall.EIO)
		}
	}

	cancel()
	sup.FlushOnce()
	if err := manager.WriteCheckpoint(dev, totalBlocks, true); err != nil {
		logger.Printf("final checkpoint: %v", err)
		exitCode = int(syscall.EIO)
	}
	if err := layerServer.Unmount(); err != nil {
		logger.Printf("unmount %s: %v", layerMount, err)
		exitCode = int(syscall.EIO)
	}
	if err := baseServer.Unmount(); err != nil {
		logger.Printf("unmount %s: %v", baseMount, err)
		exitCode = int(syscall.EIO)
	}
	if err := mountcheck.Require(layerMount, false); err != nil {
		logger.Printf("%v", err)
	}
	if err := mountcheck.Require(baseMount, false); err != nil {
		logger.Printf("%v", err)
	}

	if *memStats {
		logger.Printf("memory: %d bytes accounted", tracker.Global.Total())
	}
	if *reqStats {
		snap := dev.Global.Snapshot()
		logger.Printf("device stats: reads=%d writes=%d", snap.Reads, snap.Writes)
	}
	if *typeStats {
		root := manager.Root()
		logger.Printf("root layer inode count: %d", root.Inodes.Len())
	}

	return exitCode
}
