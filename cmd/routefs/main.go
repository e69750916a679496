// Command routefs mounts the routing filesystem.
//
//	routefs [flags] <root_dir> <mount_point>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/buryhuang/routefs/internal/config"
	"github.com/buryhuang/routefs/internal/fuse"
	"github.com/buryhuang/routefs/internal/metrics"
	"github.com/buryhuang/routefs/internal/routefs"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: routefs [flags] <root_dir> <mount_point>\n")
	flag.PrintDefaults()
}

// prepareRoot creates the root directory and the tier roots when missing.
func prepareRoot(cfg *config.Configuration) error {
	for _, dir := range []string{
		cfg.Stores.MetaRoot,
		cfg.Stores.DataRoot,
		cfg.Stores.StagingRoot,
	} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func run() error {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	// Neither the root nor the mount point may start with a hyphen; a
	// stray FUSE option in their place is a usage error, not a mount.
	if len(args) < 2 || args[len(args)-2][0] == '-' || args[len(args)-1][0] == '-' {
		usage()
		os.Exit(2)
	}
	rootDir := args[len(args)-2]
	mountPoint := args[len(args)-1]

	cfg := config.NewDefault()
	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	cfg.LoadFromEnv()
	cfg.ApplyRoot(rootDir)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("starting routefs", "root", rootDir, "mount_point", mountPoint)

	if err := prepareRoot(cfg); err != nil {
		return err
	}

	collector := metrics.NewCollector()
	core := routefs.New(cfg, logger, collector)

	mounter := fuse.NewMounter(core, &cfg.Mount)
	if err := mounter.Mount(mountPoint); err != nil {
		return err
	}
	logger.Info("mounted", "mount_point", mountPoint)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return collector.Serve(cfg.Global.MetricsPort)
	})
	g.Go(func() error {
		mounter.Wait()
		stop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = collector.Close()
		return mounter.Unmount()
	})

	return g.Wait()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "routefs: %v\n", err)
		os.Exit(1)
	}
}
