// Package main implements dlcopy-iso, which rebuilds the running Lernstick
// live system into a bootable ISO image.
//
// The create command copies the boot payload of the running medium, merges
// the read-only system images with the persistence partition into one view,
// compresses that view into a new squashfs image and authors the ISO with
// xorriso. The other commands inspect the host and clean up after crashed
// runs.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lernstick/dlcopy/database"
)

var (
	// Global logger
	log = logrus.New()

	// Command flags
	createCmd      = flag.NewFlagSet("create", flag.ExitOnError)
	partitionsCmd  = flag.NewFlagSet("partitions", flag.ExitOnError)
	historyCmd     = flag.NewFlagSet("history", flag.ExitOnError)
	gcCmd          = flag.NewFlagSet("gc", flag.ExitOnError)
	uploadsCmd     = flag.NewFlagSet("uploads", flag.ExitOnError)
	checkUploadCmd = flag.NewFlagSet("check-upload", flag.ExitOnError)
	configCmd      = flag.NewFlagSet("config", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	args := os.Args[2:]
	config, err := LoadConfig(configPath(args))
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	switch os.Args[1] {
	case "create":
		flags := parseCreateFlags(&config, createCmd, args)
		code, err := runCreate(config, flags)
		if err != nil {
			log.WithError(err).Error("failed to create image")
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(code)
	case "partitions":
		restricted := parsePartitionsFlags(&config, partitionsCmd, args)
		if err := runPartitions(config, restricted); err != nil {
			log.WithError(err).Fatal("failed to list partitions")
		}
	case "history":
		limit := parseHistoryFlags(&config, historyCmd, args)
		if err := runHistory(config, limit); err != nil {
			log.WithError(err).Fatal("failed to show history")
		}
	case "gc":
		parseGCFlags(&config, gcCmd, args)
		if err := runGC(config); err != nil {
			log.WithError(err).Fatal("garbage collection failed")
		}
	case "uploads":
		parseUploadFlags(&config, uploadsCmd, args)
		if err := runUploads(config); err != nil {
			log.WithError(err).Fatal("failed to list uploads")
		}
	case "check-upload":
		timeout := parseCheckUploadFlags(&config, checkUploadCmd, args)
		missing, err := runCheckUpload(config, timeout)
		if err != nil {
			log.WithError(err).Fatal("permission check failed")
		}
		if missing > 0 {
			os.Exit(1)
		}
	case "config":
		parseCommonFlags(&config, configCmd, args)
		if err := DumpConfig(config, os.Stdout); err != nil {
			log.WithError(err).Fatal("failed to print configuration")
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Lernstick live system ISO builder")
	fmt.Println()
	fmt.Println("Usage: dlcopy-iso <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create            Build an ISO image of the running system")
	fmt.Println("  partitions        List partitions and their classification")
	fmt.Println("  history           Show previous builds")
	fmt.Println("  gc                Release mounts and directories left by crashed builds")
	fmt.Println("  uploads           List uploaded images")
	fmt.Println("  check-upload      Verify the permissions on the upload bucket")
	fmt.Println("  config            Print the effective configuration")
	fmt.Println()
	fmt.Printf("Configuration is read from %s unless --config is given.\n", DefaultConfigPath)
	fmt.Println("Run 'dlcopy-iso <command> --help' for more information on a command.")
}

// createFlags are the create options that are not configuration keys.
type createFlags struct {
	BootOnly bool
	Quiet    bool
	Plain    bool
	NoColor  bool
	Upload   bool
}

// parseCommonFlags registers the flags every command accepts and parses
// args.
func parseCommonFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	registerCommonFlags(cfg, fs)
	fs.Parse(args)
}

func registerCommonFlags(cfg *Config, fs *flag.FlagSet) {
	fs.String("config", DefaultConfigPath, "Configuration file")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Log.Journal, "journal", cfg.Log.Journal, "Also log to the systemd journal")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "Build history database")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "Crash journal of run resources")
	fs.StringVar(&cfg.LockFile, "lock-file", cfg.LockFile, "Lock file serializing builds and gc")
}

func registerTransportFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "How partitions are mounted (command, udisks)")
	fs.StringVar(&cfg.SystemPartitionLabel, "system-label", cfg.SystemPartitionLabel, "Volume label of system partitions")
	fs.DurationVar(&cfg.BusyPollInterval, "busy-poll-interval", cfg.BusyPollInterval, "Pause between checks of a busy partition")
	fs.Uint64Var(&cfg.BusyPollLimit, "busy-poll-limit", cfg.BusyPollLimit, "Busy checks per unmount round (0 = until released)")
}

func registerUploadFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.Upload.Bucket, "bucket", cfg.Upload.Bucket, "S3 bucket for uploads")
	fs.StringVar(&cfg.Upload.Region, "region", cfg.Upload.Region, "S3 region")
	fs.StringVar(&cfg.Upload.Prefix, "upload-prefix", cfg.Upload.Prefix, "Key prefix of uploaded images")
}

// parseCreateFlags parses flags for the create command.
func parseCreateFlags(cfg *Config, fs *flag.FlagSet, args []string) createFlags {
	var flags createFlags
	registerCommonFlags(cfg, fs)
	registerTransportFlags(cfg, fs)
	registerUploadFlags(cfg, fs)
	fs.BoolVar(&flags.BootOnly, "boot-only", false, "Only put the boot medium into the image")
	fs.StringVar(&cfg.TmpDirectory, "tmp-dir", cfg.TmpDirectory, "Directory receiving the build tree and the image")
	fs.StringVar(&cfg.RunDirectory, "run-dir", cfg.RunDirectory, "Directory for union scratch mounts")
	fs.TextVar(&cfg.DataPartitionMode, "data-mode", cfg.DataPartitionMode, "Data partition mode (read-write, read-only, not-used)")
	fs.StringVar(&cfg.ISOLabel, "label", cfg.ISOLabel, "Application id of the image")
	fs.StringVar(&cfg.UnionType, "union", cfg.UnionType, "Union filesystem (aufs, overlay)")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "mksquashfs compressor")
	fs.IntVar(&cfg.Processors, "processors", cfg.Processors, "mksquashfs processors (0 = all)")
	fs.BoolVar(&cfg.ShowNotUsedInfo, "show-not-used-info", cfg.ShowNotUsedInfo, "Welcome application shows the data partition hint")
	fs.BoolVar(&cfg.AutoStartInstaller, "auto-start-installer", cfg.AutoStartInstaller, "Welcome application starts the installer")
	fs.BoolVar(&cfg.KeepFailedTree, "keep-failed", cfg.KeepFailedTree, "Keep the build tree of a failed build")
	fs.BoolVar(&cfg.RemoveBuildTree, "remove-build-tree", cfg.RemoveBuildTree, "Remove the build tree once the image exists")
	fs.Uint64Var(&cfg.MinFreeBytes, "min-free", cfg.MinFreeBytes, "Free bytes required in the temporary directory")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", cfg.MetricsTextfile, "Write metrics to this node exporter textfile")
	fs.BoolVar(&flags.Upload, "upload", false, "Upload the image to the configured bucket")
	fs.BoolVar(&flags.Quiet, "quiet", false, "Only print the result (for scripting)")
	fs.BoolVar(&flags.Plain, "plain", false, "Print progress lines instead of the interactive view")
	fs.BoolVar(&flags.NoColor, "no-color", false, "Disable colors and inline redraws")
	fs.Parse(args)
	return flags
}

// parsePartitionsFlags parses flags for the partitions command and returns
// whether used space counts only home and cups data.
func parsePartitionsFlags(cfg *Config, fs *flag.FlagSet, args []string) bool {
	registerCommonFlags(cfg, fs)
	registerTransportFlags(cfg, fs)
	restricted := fs.Bool("restricted", false, "Count only /home/user and /etc/cups as used space")
	fs.Parse(args)
	return *restricted
}

// parseHistoryFlags parses flags for the history command.
func parseHistoryFlags(cfg *Config, fs *flag.FlagSet, args []string) int {
	registerCommonFlags(cfg, fs)
	limit := fs.Int("limit", 20, "Number of builds to show")
	fs.Parse(args)
	return *limit
}

// parseGCFlags parses flags for the gc command.
func parseGCFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	registerCommonFlags(cfg, fs)
	fs.Parse(args)
}

func parseUploadFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	registerCommonFlags(cfg, fs)
	registerUploadFlags(cfg, fs)
	fs.Parse(args)
}

func parseCheckUploadFlags(cfg *Config, fs *flag.FlagSet, args []string) time.Duration {
	registerCommonFlags(cfg, fs)
	registerUploadFlags(cfg, fs)
	timeout := fs.Duration("timeout", 10*time.Second, "Timeout per probe")
	fs.Parse(args)
	return *timeout
}

// openDatabase opens the build history.
func openDatabase(cfg Config) (*database.DB, error) {
	dbCfg := database.DefaultConfig()
	dbCfg.Path = cfg.DatabasePath
	db, err := database.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
