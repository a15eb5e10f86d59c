package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/dcrange/dcrange/internal/buildinfo"
	"github.com/dcrange/dcrange/internal/config"
	"github.com/dcrange/dcrange/internal/daemon"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dcranged", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var showVersion bool
	var configPath string
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&configPath, "config", config.DefaultConfig().ConfigPath, "path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "dcranged: %v\n", err)
		return 1
	}
	if err := checkSecretFiles(cfg); err != nil {
		fmt.Fprintf(stderr, "dcranged: %v\n", err)
		return 1
	}

	log.Printf("dcranged: starting %s", buildinfo.String())
	if err := daemon.Run(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "dcranged: %v\n", err)
		return 1
	}
	log.Printf("dcranged: stopped")
	return 0
}

// checkSecretFiles refuses world-accessible secret files and warns about
// group-readable ones.
func checkSecretFiles(cfg config.Config) error {
	files := cfg.SecretFiles()
	kinds := make([]string, 0, len(files))
	for kind := range files {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		path := files[kind]
		if kind == "age identity" {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				// created on first start
				continue
			}
		}
		check := func(path string) (string, error) { return config.CheckSecretFilePermissions(kind, path) }
		if kind == "config" {
			check = config.CheckConfigPermissions
		}
		warn, err := check(path)
		if err != nil {
			return err
		}
		if warn != "" {
			log.Printf("dcranged: warning: %s", warn)
		}
	}
	return nil
}
