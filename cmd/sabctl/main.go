// Command sabctl inspects and mutates typed cells in a shared region file.
//
//	sabctl [global flags] <command> [args]
//
// Commands: init, get, set, cas, add, watch, lock, unlock, stress, serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/nmxmxh/sabproxy/kernel/threads/registry"
	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
	"github.com/nmxmxh/sabproxy/kernel/utils"
)

type command struct {
	name  string
	usage string
	// create opens the region file with Create set.
	create bool
	run    func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{name: "init", usage: "init [-force]", create: true, run: runInit},
	{name: "get", usage: "get <addr>...", run: runGet},
	{name: "set", usage: "set <addr> <value>", run: runSet},
	{name: "cas", usage: "cas <addr> <expected> <desired>", run: runCAS},
	{name: "add", usage: "add <addr> <delta>", run: runAdd},
	{name: "watch", usage: "watch [-interval d] [-count n] <addr>", run: runWatch},
	{name: "lock", usage: "lock [-wait d] <guard> <owner>", run: runLock},
	{name: "unlock", usage: "unlock [-force] <guard> <owner>", run: runUnlock},
	{name: "stress", usage: "stress [-workers n] [-iterations n] [-offset off]", run: runStress},
	{name: "serve", usage: "serve [-addr host:port]", run: runServe},
}

// env is what every command runs against.
type env struct {
	cfg    Config
	logger *utils.Logger
	out    io.Writer
	reg    *registry.Registry
	region *sab.Region
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sabctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sabctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file")
	regionPath := fs.String("region", "", "region file (overrides config)")
	size := fs.Uint64("size", 0, "region size in bytes (overrides config)")
	schemaPath := fs.String("schema", "", "extra YAML schema file (overrides config)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides config)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: sabctl [flags] <command> [args]")
		for _, c := range commands {
			fmt.Fprintln(stderr, "  "+c.usage)
		}
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *regionPath != "" {
		cfg.Region.Path = *regionPath
	}
	if *size != 0 {
		cfg.Region.Size = *size
	}
	if *schemaPath != "" {
		cfg.Schema = *schemaPath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command")
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == fs.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}

	logger := utils.NewLogger(utils.LoggerConfig{
		Level:     utils.ParseLevel(cfg.Log.Level),
		Component: "sabctl",
		Output:    stderr,
		JSON:      cfg.Log.JSON,
	})
	defer logger.Sync()

	reg, err := loadRegistry(cfg, logger)
	if err != nil {
		return err
	}

	provider, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
		Path:   cfg.Region.Path,
		Size:   uintptr(cfg.Region.Size),
		Create: cmd.create,
	})
	if err != nil {
		return utils.WrapError(err, "open region")
	}
	defer provider.Close()

	region, err := sab.NewRegion(cfg.Region.Path, provider)
	if err != nil {
		return err
	}
	logger.Debug("Region mapped",
		utils.String("path", provider.Path()),
		utils.Hex("base", region.Base()),
		utils.Uint64("size", uint64(region.Size())),
	)

	e := &env{cfg: cfg, logger: logger.Named(cmd.name), out: stdout, reg: reg, region: region}
	return cmd.run(ctx, e, fs.Args()[1:])
}

// loadRegistry returns the built-in types plus any from the schema file.
func loadRegistry(cfg Config, logger *utils.Logger) (*registry.Registry, error) {
	reg := registry.New(registry.WithLogger(logger.Named("registry")))
	if err := schema.Register(reg); err != nil {
		return nil, err
	}
	if cfg.Schema != "" {
		if _, err := reg.LoadSchemaFile(cfg.Schema); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
