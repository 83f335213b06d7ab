package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/meteodash/internal/api"
	"github.com/lox/meteodash/internal/ingest"
	"github.com/lox/meteodash/internal/logging"
	"github.com/lox/meteodash/internal/mqtt"
	"github.com/lox/meteodash/internal/series"
	"github.com/lox/meteodash/internal/store"
)

var version = "dev"

type Globals struct {
	EnvFile kongdotenv.ENVFileConfig `kong:"optional,default='.env',name=env-file"`

	DB           string        `default:"data/meteodash.db" env:"METEODASH_DB" help:"Path to the SQLite cache."`
	DBMaxConns   int           `default:"1" env:"METEODASH_DB_MAX_CONNS" help:"Maximum open SQLite connections."`
	LogLevel     string        `default:"info" env:"METEODASH_LOG_LEVEL" enum:"debug,info,warn,error" help:"Log level (${enum})."`
	LogFormat    string        `default:"text" env:"METEODASH_LOG_FORMAT" enum:"text,json" help:"Log format (${enum})."`
	Endpoint     string        `default:"${endpoint}" env:"METEODASH_ENDPOINT" help:"Reading source URL."`
	FetchTimeout time.Duration `default:"15s" env:"METEODASH_FETCH_TIMEOUT" help:"HTTP timeout per fetch."`
	RetryMax     time.Duration `default:"5s" env:"METEODASH_RETRY_MAX" help:"Give up retrying 429/503 responses after this long."`
	Rate         float64       `default:"1" env:"METEODASH_RATE" help:"Maximum fetches per second across all cycles (0 for unlimited)."`
	Burst        int           `default:"2" env:"METEODASH_BURST" help:"Fetch burst allowance."`

	ConsolidatedPolicy string `default:"first" env:"METEODASH_CONSOLIDATED_POLICY" enum:"first,coalesce" help:"Handling of a repeated (timestamp, station) row (${enum})."`
	PayloadRetention   int    `default:"30" env:"METEODASH_PAYLOAD_RETENTION" help:"Days to keep archived response bodies (0 keeps them forever)."`

	MQTTBroker      string `name:"mqtt-broker" env:"METEODASH_MQTT_BROKER" help:"Publish new consolidated rows to this broker, e.g. tcp://localhost:1883."`
	MQTTClientID    string `name:"mqtt-client-id" default:"meteodash" env:"METEODASH_MQTT_CLIENT_ID" help:"MQTT client id."`
	MQTTUsername    string `name:"mqtt-username" env:"METEODASH_MQTT_USERNAME" help:"MQTT username."`
	MQTTPassword    string `name:"mqtt-password" env:"METEODASH_MQTT_PASSWORD" help:"MQTT password."`
	MQTTTopicPrefix string `name:"mqtt-topic-prefix" default:"meteodash" env:"METEODASH_MQTT_TOPIC_PREFIX" help:"MQTT topic prefix."`
}

type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve    ServeCmd    `cmd:"" default:"withargs" help:"Run the refresh loop and the HTTP API."`
	Refresh  RefreshCmd  `cmd:"" help:"Run one refresh cycle and exit."`
	Export   ExportCmd   `cmd:"" help:"Export consolidated rows as CSV to a file or ftp:// URL."`
	Clear    ClearCmd    `cmd:"" help:"Delete every cached raw and consolidated reading."`
	Stations StationsCmd `cmd:"" help:"List known stations."`
}

func main() {
	var cli CLI
	parser, err := newParser(&cli, os.Stdout)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(ctx.Run(&cli.Globals))
}

// newParser builds the command-line parser. Commands print their results
// to out.
func newParser(cli *CLI, out io.Writer) (*kong.Kong, error) {
	return kong.New(cli,
		kong.Name("meteodash"),
		kong.Description("Sensor reading cache and chart series for the weather-station dashboard."),
		kong.UsageOnError(),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.Vars{
			"version":  version,
			"endpoint": ingest.DefaultEndpoint,
		},
	)
}

// app holds everything a command needs, opened from Globals.
type app struct {
	logger    *slog.Logger
	db        *sql.DB
	store     *store.Store
	scheduler *ingest.Scheduler
	publisher *mqtt.Publisher
}

// open configures logging, the store and the refresh pipeline. interval only
// matters to commands that start the periodic loop.
func (g *Globals) open(ctx context.Context, interval time.Duration) (*app, error) {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, g.LogFormat, level, version)
	slog.SetDefault(logger)

	policy, err := store.ParseConsolidatedPolicy(g.ConsolidatedPolicy)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(g.DB, g.DBMaxConns)
	if err != nil {
		return nil, err
	}

	st := store.New(db, logger)
	st.SetConsolidatedPolicy(policy)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database migrated", "path", g.DB)

	client := ingest.NewClient(g.Endpoint, g.FetchTimeout, g.RetryMax)
	source := ingest.NewRateLimitedSource(client, g.Rate, g.Burst)

	a := &app{logger: logger, db: db, store: st}
	a.scheduler = ingest.NewScheduler(st, source, client.Endpoint(), interval, logger)
	a.scheduler.SetPayloadRetention(g.PayloadRetention)

	if g.MQTTBroker != "" {
		a.publisher = mqtt.NewPublisher(mqtt.Config{
			Broker:      g.MQTTBroker,
			ClientID:    g.MQTTClientID,
			Username:    g.MQTTUsername,
			Password:    g.MQTTPassword,
			TopicPrefix: g.MQTTTopicPrefix,
		}, logger)

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.publisher.Connect(connectCtx); err != nil {
			// The client keeps retrying in the background.
			logger.Warn("mqtt not connected yet", "broker", g.MQTTBroker, "error", err)
		}
		a.scheduler.SetPublisher(a.publisher)
	}

	return a, nil
}

func (a *app) Close() {
	a.scheduler.Stop()
	if a.publisher != nil {
		a.publisher.Disconnect()
	}
	a.db.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type ServeCmd struct {
	Addr        string        `default:":8080" env:"METEODASH_ADDR" help:"HTTP listen address."`
	Interval    time.Duration `default:"10s" env:"METEODASH_INTERVAL" help:"Auto-refresh interval."`
	NoAuto      bool          `help:"Start with auto-refresh off; use POST /api/auto to turn it on."`
	TableRows   int           `default:"300" env:"METEODASH_TABLE_ROWS" help:"Default row limit for table endpoints."`
	ChartPoints int           `default:"300" env:"METEODASH_CHART_POINTS" help:"Maximum points per chart series."`
	SharedAxis  bool          `env:"METEODASH_SHARED_AXIS" help:"Thin every quantity of a station on the same rows."`
	TimePolicy  string        `default:"skip" env:"METEODASH_TIME_POLICY" enum:"skip,now" help:"Unparsable chart timestamps are skipped or drawn at the current time (${enum})."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	timePolicy, err := series.ParseTimePolicy(c.TimePolicy)
	if err != nil {
		return err
	}

	a, err := g.open(ctx, c.Interval)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(a.store, a.scheduler, api.Options{
		Addr:      c.Addr,
		TableRows: c.TableRows,
		Chart: series.Options{
			MaxPoints:  c.ChartPoints,
			SharedAxis: c.SharedAxis,
			TimePolicy: timePolicy,
		},
	}, a.logger)

	if c.NoAuto {
		a.logger.Info("auto refresh disabled (--no-auto)")
	} else {
		a.scheduler.Start(ctx)
	}

	return server.Run(ctx)
}
