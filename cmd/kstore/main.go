package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/johnjamespj/kstore/pkg/cellstore"
	"github.com/johnjamespj/kstore/pkg/checkpoint"
	"github.com/johnjamespj/kstore/pkg/config"
	"github.com/johnjamespj/kstore/pkg/replog"
	"github.com/johnjamespj/kstore/pkg/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "put":
		putCmd()
	case "get":
		getCmd()
	case "versions":
		versionsCmd()
	case "delete":
		deleteCmd()
	case "scan":
		scanCmd()
	case "topic":
		topicCmd()
	case "serve":
		serveCmd()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`kstore - replicated multi-version table

Usage:
  kstore <command> [options]

Commands:
  put         Write a cell
  get         Read the latest version of a cell
  versions    Read the versions of a cell, newest first
  delete      Delete a version, a cell, a family or a row
  scan        List rows in a key range
  topic       Show the topic of a table and its offsets
  serve       Keep a table replica running and export metrics
  help        Show this help

Every command reads -config (INI) and accepts -table/-epoch overrides.

Examples:
  kstore put -table app:users -row u1 -family cf -qualifier name -value alice
  kstore versions -table app:users -row u1 -family cf -qualifier name -max 3
  kstore delete -table app:users -row u1
  kstore serve -config kstore.conf -metrics :9100`)
}

type common struct {
	config  *string
	table   *string
	epoch   *int
	backend *string
	timeout *time.Duration
}

func commonFlags(fs *flag.FlagSet) *common {
	return &common{
		config:  fs.String("config", "", "INI configuration file"),
		table:   fs.String("table", "", "Table name, overrides [table] name"),
		epoch:   fs.Int("epoch", -1, "Table epoch, overrides [table] epoch"),
		backend: fs.String("backend", "", "Log backend, overrides [log] backend"),
		timeout: fs.Duration("timeout", 30*time.Second, "Timeout of the whole command"),
	}
}

type session struct {
	logger      zerolog.Logger
	log         replog.Log
	checkpoints checkpoint.Store
	handle      *table.Handle
	closeOnce   sync.Once
}

// onFail releases whatever was opened before fail exits.
var onFail func()

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	if onFail != nil {
		onFail()
	}
	os.Exit(1)
}

// open loads the configuration and opens the table. The handle is not
// initialized yet.
func open(c *common, reg prometheus.Registerer) *session {
	file := config.Empty()
	if *c.config != "" {
		var err error
		if file, err = config.Load(*c.config); err != nil {
			fail("Failed to load config: %v", err)
		}
	}
	if *c.table != "" {
		file.Set("table", "name", *c.table)
	}
	if *c.epoch >= 0 {
		file.Set("table", "epoch", strconv.Itoa(*c.epoch))
	}
	if *c.backend != "" {
		file.Set("log", "backend", *c.backend)
	}

	logger, err := file.Logger()
	if err != nil {
		fail("Invalid logging config: %v", err)
	}

	value, err := file.Schema()
	if err != nil {
		fail("Invalid table: %v", err)
	}
	cfg, err := file.Table(logger)
	if err != nil {
		fail("Invalid table config: %v", err)
	}
	cfg.Registerer = reg

	s := &session{logger: logger}
	onFail = s.close
	if s.checkpoints, err = file.OpenCheckpoints(); err != nil {
		fail("Failed to open checkpoints: %v", err)
	}
	cfg.Checkpoints = s.checkpoints

	if s.log, err = file.OpenLog(logger); err != nil {
		fail("Failed to open log: %v", err)
	}
	if s.handle, err = table.Open(s.log, value, table.WithConfig(cfg)); err != nil {
		fail("Failed to open table: %v", err)
	}
	return s
}

func (s *session) init(ctx context.Context) {
	if err := s.handle.Init(ctx); err != nil {
		fail("Failed to initialize table: %v", err)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.handle != nil {
			s.handle.Close()
		}
		if s.log != nil {
			s.log.Close()
		}
		if s.checkpoints != nil {
			s.checkpoints.Close()
		}
	})
}

func putCmd() {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	c := commonFlags(fs)
	row := fs.String("row", "", "Row key (required)")
	family := fs.String("family", "", "Column family (required)")
	qualifier := fs.String("qualifier", "", "Column qualifier (required)")
	value := fs.String("value", "", "Cell value")
	ts := fs.Int64("ts", table.LatestTimestamp, "Timestamp, defaults to now")
	wait := fs.Bool("wait", true, "Wait until the write is applied locally")

	fs.Parse(os.Args[2:])

	if *row == "" || *family == "" || *qualifier == "" {
		fail("Error: -row, -family and -qualifier are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()
	s.init(ctx)

	put := s.handle.Put
	if *wait {
		put = s.handle.PutSync
	}
	offset, err := put(ctx, []byte(*row), []byte(*family), []byte(*qualifier), *ts, []byte(*value))
	if err != nil {
		fail("Failed to put: %v", err)
	}

	fmt.Printf("Put %s/%s:%s to %s (offset: %d)\n", *row, *family, *qualifier, s.handle.Topic(), offset)
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	c := commonFlags(fs)
	row := fs.String("row", "", "Row key (required)")
	family := fs.String("family", "", "Column family (required)")
	qualifier := fs.String("qualifier", "", "Column qualifier (required)")

	fs.Parse(os.Args[2:])

	if *row == "" || *family == "" || *qualifier == "" {
		fail("Error: -row, -family and -qualifier are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()
	s.init(ctx)

	cell, ok, err := s.handle.GetLatest([]byte(*row), []byte(*family), []byte(*qualifier))
	if err != nil {
		fail("Failed to get: %v", err)
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	printCell(cell)
}

func versionsCmd() {
	fs := flag.NewFlagSet("versions", flag.ExitOnError)
	c := commonFlags(fs)
	row := fs.String("row", "", "Row key (required)")
	family := fs.String("family", "", "Column family (required)")
	qualifier := fs.String("qualifier", "", "Column qualifier (required)")
	maxVersions := fs.Int("max", 0, "Maximum number of versions, 0 for all")

	fs.Parse(os.Args[2:])

	if *row == "" || *family == "" || *qualifier == "" {
		fail("Error: -row, -family and -qualifier are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()
	s.init(ctx)

	limit := *maxVersions
	if limit <= 0 {
		limit = math.MaxInt
	}
	versions, err := s.handle.GetVersions([]byte(*row), []byte(*family), []byte(*qualifier), limit)
	if err != nil {
		fail("Failed to read versions: %v", err)
	}
	versions.ForEach(func(cell cellstore.Cell) bool {
		printCell(cell)
		return true
	})
}

func deleteCmd() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	c := commonFlags(fs)
	row := fs.String("row", "", "Row key (required)")
	family := fs.String("family", "", "Column family; without it the whole row is deleted")
	qualifier := fs.String("qualifier", "", "Column qualifier; without it the whole family is deleted")
	ts := fs.Int64("ts", -1, "Timestamp of the version to delete; without it every version is deleted")

	fs.Parse(os.Args[2:])

	if *row == "" {
		fail("Error: -row is required")
	}
	if *qualifier != "" && *family == "" {
		fail("Error: -qualifier needs -family")
	}
	if *ts >= 0 && *qualifier == "" {
		fail("Error: -ts needs -qualifier")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()
	s.init(ctx)

	var (
		offset int64
		err    error
	)
	switch {
	case *ts >= 0:
		offset, err = s.handle.Delete(ctx, []byte(*row), []byte(*family), []byte(*qualifier), *ts)
	case *qualifier != "":
		offset, err = s.handle.DeleteQualifier(ctx, []byte(*row), []byte(*family), []byte(*qualifier))
	case *family != "":
		offset, err = s.handle.DeleteFamily(ctx, []byte(*row), []byte(*family))
	default:
		offset, err = s.handle.DeleteRow(ctx, []byte(*row))
	}
	if err == nil {
		err = s.handle.WaitForOffset(ctx, offset)
	}
	if err != nil {
		fail("Failed to delete: %v", err)
	}

	fmt.Printf("Deleted from %s (offset: %d)\n", s.handle.Topic(), offset)
}

func scanCmd() {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	c := commonFlags(fs)
	start := fs.String("start", "", "First row key, inclusive")
	end := fs.String("end", "", "Last row key, exclusive")
	prefix := fs.String("prefix", "", "Only rows whose key starts with this prefix")
	family := fs.String("family", "", "Only rows that have this column family")
	skip := fs.Int("skip", 0, "Number of rows to skip")
	limit := fs.Int("limit", 100, "Maximum number of rows")
	count := fs.Bool("count", false, "Print the number of matching rows only")
	cells := fs.Bool("cells", false, "Print every cell of each row")

	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()
	s.init(ctx)

	var startRow, endRow []byte
	if *start != "" {
		startRow = []byte(*start)
	}
	if *end != "" {
		endRow = []byte(*end)
	}
	if *prefix != "" && bytes.Compare(startRow, []byte(*prefix)) < 0 {
		startRow = []byte(*prefix)
	}

	rows, err := s.handle.ScanRows(startRow, endRow)
	if err != nil {
		fail("Failed to scan: %v", err)
	}
	if *prefix != "" {
		rows = rows.TakeWhile(func(r cellstore.Row) bool {
			return bytes.HasPrefix(r.Key, []byte(*prefix))
		})
	}
	if *family != "" {
		rows = rows.Where(func(r cellstore.Row) bool {
			_, ok := r.Family([]byte(*family))
			return ok
		})
	}
	rows = rows.Skip(*skip)

	if *count {
		fmt.Println(rows.Count())
		return
	}
	rows.Take(*limit).ForEach(func(r cellstore.Row) bool {
		if !*cells {
			fmt.Printf("%s\n", r.Key)
			return true
		}
		r.Cells().ForEach(func(cell cellstore.CellRecord) bool {
			fmt.Printf("%s %s:%s @%d = %q\n", cell.Row, cell.Family, cell.Qualifier, cell.Timestamp, cell.Value)
			return true
		})
		return true
	})
}

func topicCmd() {
	fs := flag.NewFlagSet("topic", flag.ExitOnError)
	c := commonFlags(fs)

	fs.Parse(os.Args[2:])

	ctx, cancel := context.WithTimeout(context.Background(), *c.timeout)
	defer cancel()

	s := open(c, nil)
	defer s.close()

	v := s.handle.Schema()
	fmt.Printf("Table:   %s\n", v.TableName)
	fmt.Printf("Epoch:   %d\n", v.Epoch)
	fmt.Printf("Version: %d\n", v.Version)
	fmt.Printf("Topic:   %s\n", s.handle.Topic())

	first, end, err := s.log.Offsets(ctx, s.handle.Topic())
	if err != nil {
		fmt.Printf("Offsets: unavailable (%v)\n", err)
		return
	}
	fmt.Printf("Offsets: %d..%d (%d records)\n", first, end, end-first)
}

func serveCmd() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	c := commonFlags(fs)
	metrics := fs.String("metrics", ":9100", "Address of the /metrics endpoint")

	fs.Parse(os.Args[2:])

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := open(c, reg)
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, *c.timeout)
	s.init(initCtx)
	cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *metrics, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	v := s.handle.Schema()
	s.logger.Info().
		Str("table", v.TableName).
		Int("epoch", v.Epoch).
		Str("topic", s.handle.Topic()).
		Str("metrics", *metrics).
		Msg("serving")

	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdown)
	s.logger.Info().Msg("stopped")
}

func printCell(cell cellstore.Cell) {
	fmt.Printf("@%d = %q\n", cell.Timestamp, cell.Value)
}

