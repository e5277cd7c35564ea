// Command blockkvctl is a thin operator CLI over the blockkv engine:
// create a database file, put/get/delete a single key, print stats,
// or force a full GC pass. Subcommand flag parsing follows the pack's
// pflag.NewFlagSet(name, pflag.ContinueOnError) idiom (calvinalkan's
// internal/cli package).
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/intellect4all/blockkv/blockdev"
	"github.com/intellect4all/blockkv/blockkv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "blockkvctl: failed to init logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cmd := os.Args[1]
	args := os.Args[2:]

	var runErr error
	switch cmd {
	case "create":
		runErr = runCreate(args, log)
	case "put":
		runErr = runPut(args, log)
	case "get":
		runErr = runGet(args, log)
	case "delete":
		runErr = runDelete(args, log)
	case "stats":
		runErr = runStats(args, log)
	case "gc":
		runErr = runGC(args, log)
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "blockkvctl:", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: blockkvctl <command> [flags]

Commands:
  create --path=FILE [--hash-table-size=N] [--segment-size=N] [--segment-count=N]
  put --path=FILE --key=K --value=V
  get --path=FILE --key=K
  delete --path=FILE --key=K
  stats --path=FILE
  gc --path=FILE`)
}

func runCreate(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	hashTableSize := fs.Uint32("hash-table-size", 0, "requested hash table size (rounded up to next prime)")
	segmentSize := fs.Uint32("segment-size", 0, "segment size in bytes")
	segmentCount := fs.Uint32("segment-count", 0, "number of segment slots")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}
	if blockdev.Exists(*path) {
		return fmt.Errorf("%s already exists", *path)
	}

	cfg := blockkv.DefaultConfig()
	cfg.Logger = log
	if *hashTableSize > 0 {
		cfg.HashTableSize = *hashTableSize
	}
	if *segmentSize > 0 {
		cfg.SegmentSize = *segmentSize
	}
	if *segmentCount > 0 {
		cfg.SegmentCount = *segmentCount
	}

	db, err := blockkv.Create(*path, cfg)
	if err != nil {
		return err
	}
	return db.Close()
}

func runPut(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	key := fs.String("key", "", "key")
	value := fs.String("value", "", "value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *key == "" {
		return fmt.Errorf("--path and --key are required")
	}

	db, err := openForOp(*path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Put([]byte(*key), []byte(*value))
}

func runGet(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	key := fs.String("key", "", "key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *key == "" {
		return fmt.Errorf("--path and --key are required")
	}

	db, err := openForOp(*path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	value, err := db.Get([]byte(*key))
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func runDelete(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	key := fs.String("key", "", "key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *key == "" {
		return fmt.Errorf("--path and --key are required")
	}

	db, err := openForOp(*path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Delete([]byte(*key))
}

func runStats(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	db, err := openForOp(*path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	s := db.Stats()
	fmt.Printf("keys=%d tombstones=%d segments=%d free=%d used=%d writes=%d reads=%d deletes=%d gc_passes=%d gc_reclaimed=%d\n",
		s.NumKeys, s.NumTombstones, s.NumSegments, s.FreeSegments, s.UsedSegments,
		s.WriteCount, s.ReadCount, s.DeleteCount, s.GCPasses, s.GCReclaimedSegments)
	return nil
}

func runGC(args []string, log *zap.Logger) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	path := fs.String("path", "", "database file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	db, err := openForOp(*path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.DoGC()
}

func openForOp(path string, log *zap.Logger) (*blockkv.DB, error) {
	cfg := blockkv.DefaultConfig()
	cfg.Logger = log
	return blockkv.Open(path, cfg)
}
