package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"desdbi/internal/config"
	"desdbi/internal/database"
	"desdbi/internal/metrics"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"info" choice:"debug" choice:"warn" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

type options struct {
	Service   string    `long:"service" short:"s" env:"DES_SERVICES" description:"Env file holding the DESDB_* connection settings"`
	Retry     bool      `long:"retry" description:"Retry the connection up to five times"`
	Header    bool      `long:"header" description:"Print column names before the rows"`
	Format    string    `long:"format" short:"f" default:"pretty" choice:"pretty" choice:"csv" description:"Output format"`
	Delimiter string    `long:"delimiter" short:"d" default:"," description:"Field delimiter for csv output"`
	LogFile   string    `long:"log" env:"DESPYDB_QUERY_LOG" description:"Append log events to this file instead of stderr"`
	Metrics   string    `long:"metrics-file" env:"DESPYDB_QUERY_METRICS" description:"Write database access metrics to this file in Prometheus text format on exit"`
	Log       LogConfig `group:"Logging" namespace:"log" env-namespace:"DESPYDB_QUERY_LOG"`

	Args struct {
		Query []string `positional-arg-name:"query" required:"1" description:"SQL statement; '-' reads one statement per line from stdin, '+' reads all of stdin as one statement"`
	} `positional-args:"yes"`
}

// initLog configures the logger.
func initLog(cfg LogConfig, file string) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithFields(log.Fields{"err": err, "file": file}).Fatal("failed to open log file")
		}
		log.SetOutput(f)
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.LongDescription = `query runs SQL statements against the configured DES database and
	prints the rows they return.`

	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	initLog(opts.Log, opts.LogFile)

	err := run(context.Background(), opts, os.Stdin, os.Stdout)
	if opts.Metrics != "" {
		if merr := writeMetrics(opts.Metrics); merr != nil {
			log.WithFields(log.Fields{"err": merr, "file": opts.Metrics}).Warn("failed to write metrics")
		}
	}
	if err != nil {
		log.WithField("err", err).Error("query failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, stdin io.Reader, out io.Writer) error {
	statements, err := readStatements(opts.Args.Query, stdin)
	if err != nil {
		return err
	}
	if len(opts.Delimiter) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", opts.Delimiter)
	}

	cfg, err := config.Load(opts.Service)
	if err != nil {
		return fmt.Errorf("failed to load connection config: %w", err)
	}
	db, err := database.Connect(ctx, cfg, opts.Retry)
	if err != nil {
		return err
	}

	return db.WithScope(ctx, func(db *database.DB) error {
		for _, stmt := range statements {
			log.WithField("sql", stmt).Debug("executing statement")

			curs := db.Cursor()
			if err := curs.Execute(ctx, stmt); err != nil {
				return fmt.Errorf("%w\nsql> %s", err, stmt)
			}
			if curs.Description() == nil {
				log.WithFields(log.Fields{"sql": stmt, "rows": curs.RowCount()}).Info("statement executed")
				continue
			}
			if err := render(out, opts, curs.Columns(), curs.FetchAll()); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeMetrics(path string) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.Collectors()...)
	return prometheus.WriteToTextfile(path, reg)
}

// readStatements expands the '-' and '+' query arguments.
func readStatements(args []string, stdin io.Reader) ([]string, error) {
	var out []string
	for _, arg := range args {
		switch arg {
		case "-":
			sc := bufio.NewScanner(stdin)
			sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				out = append(out, strings.TrimSuffix(line, ";"))
			}
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("failed to read statements: %w", err)
			}
		case "+":
			b, err := io.ReadAll(stdin)
			if err != nil {
				return nil, fmt.Errorf("failed to read statement: %w", err)
			}
			if stmt := strings.TrimSuffix(strings.TrimSpace(string(b)), ";"); stmt != "" {
				out = append(out, stmt)
			}
		default:
			out = append(out, arg)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no statements given")
	}
	return out, nil
}

func render(out io.Writer, opts options, columns []string, rows [][]any) error {
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(row))
		for j, v := range row {
			cells[i][j] = cell(v)
		}
	}

	if opts.Format == "csv" {
		w := csv.NewWriter(out)
		w.Comma = rune(opts.Delimiter[0])
		if opts.Header {
			if err := w.Write(columns); err != nil {
				return err
			}
		}
		if err := w.WriteAll(cells); err != nil {
			return fmt.Errorf("failed to write rows: %w", err)
		}
		return nil
	}

	table := tablewriter.NewWriter(out)
	if opts.Header {
		table.SetHeader(columns)
	}
	for _, row := range cells {
		table.Append(row)
	}
	table.Render()
	return nil
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}
