// Package mqtt announces newly consolidated rows on an MQTT broker.
package mqtt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/models"
)

const publishTimeout = 5 * time.Second

type Config struct {
	Broker      string // tcp://host:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Message is the JSON body published for one consolidated row.
type Message struct {
	Station     string   `json:"station"`
	Timestamp   string   `json:"timestamp"`
	Date        string   `json:"date"`
	Time        string   `json:"time"`
	Temperature *float64 `json:"temperature_c,omitempty"`
	Pressure    *float64 `json:"pressure_hpa,omitempty"`
	Altitude    *float64 `json:"altitude_m,omitempty"`
	AirQuality  *float64 `json:"air_quality_pct,omitempty"`
}

func NewMessage(r models.ConsolidatedRow) Message {
	return Message{
		Station:     r.StationName,
		Timestamp:   r.Timestamp,
		Date:        r.Date,
		Time:        r.Time,
		Temperature: ptr(r.Temperature),
		Pressure:    ptr(r.Pressure),
		Altitude:    ptr(r.Altitude),
		AirQuality:  ptr(r.AirQuality),
	}
}

func ptr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Topic returns <prefix>/<station>/consolidated. MQTT wildcard and separator
// characters in the station name are replaced with underscores.
func Topic(prefix, station string) string {
	station = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(station)
	return fmt.Sprintf("%s/%s/consolidated", strings.TrimSuffix(prefix, "/"), station)
}

type Publisher struct {
	client paho.Client
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "meteodash"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meteodash"
	}
	p := &Publisher{cfg: cfg, logger: logger.With("component", "mqtt")}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		p.setConnected(true)
		p.logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.setConnected(false)
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = paho.NewClient(opts)
	return p
}

// Connect waits for the first connection to the broker or ctx.
func (p *Publisher) Connect(ctx context.Context) error {
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Publish sends one QoS 1 message per row. Every row is attempted; the
// returned error joins the failures.
func (p *Publisher) Publish(ctx context.Context, rows []models.ConsolidatedRow) error {
	if !p.IsConnected() {
		metrics.MQTTPublishes.WithLabelValues("not_connected").Add(float64(len(rows)))
		return errors.New("mqtt client not connected")
	}

	var errs []error
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.publishRow(r); err != nil {
			metrics.MQTTPublishes.WithLabelValues("error").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.MQTTPublishes.WithLabelValues("ok").Inc()
	}
	return errors.Join(errs...)
}

func (p *Publisher) publishRow(r models.ConsolidatedRow) error {
	topic := Topic(p.cfg.TopicPrefix, r.StationName)

	data, err := json.Marshal(NewMessage(r))
	if err != nil {
		return fmt.Errorf("marshal row: %w", err)
	}

	token := p.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	p.logger.Debug("published row", "topic", topic, "ts", r.Timestamp)
	return nil
}

func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect closes the broker connection. Safe to call more than once.
func (p *Publisher) Disconnect() {
	p.client.Disconnect(250)
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
