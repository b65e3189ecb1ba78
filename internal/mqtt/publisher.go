// Package mqtt mirrors the connection manager's status and alerts to an
// MQTT broker so a dashboard can show room presence without talking to
// the daemon directly.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability  "online" / "offline" (retained, also the will)
//	<prefix>/status        JSON status snapshot (retained)
//	<prefix>/alert         JSON alert (not retained)
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"ble-attendance/internal/alert"
	"ble-attendance/internal/config"
	"ble-attendance/internal/connmgr"
)

const (
	qos            = 1
	publishTimeout = 5 * time.Second
	disconnectMS   = 250

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
	Disconnect(quiesce uint)
}

// Publisher owns the broker connection.
type Publisher struct {
	client client
	prefix string
	logger *slog.Logger

	mu         sync.Mutex
	lastStatus []byte
}

// New configures a Publisher for cfg. It does not connect.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetWill(p.topic("availability"), payloadOffline, qos, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) { p.onConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Warn("broker connection lost", "error", err)
	})
	p.client = paho.NewClient(opts)
	return p
}

func newWithClient(c client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{client: c, prefix: prefix, logger: logger}
}

func (p *Publisher) topic(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

// Connect starts the connection and waits until it is up or ctx is done.
// paho keeps retrying in the background either way.
func (p *Publisher) Connect(ctx context.Context) error {
	tok := p.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt: connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onConnect runs on every (re)connect: announce availability and replay
// the last status so a restarted broker has it retained again.
func (p *Publisher) onConnect() {
	p.logger.Info("connected to broker")
	if err := p.publish(p.topic("availability"), true, []byte(payloadOnline)); err != nil {
		p.logger.Warn("publish availability", "error", err)
	}
	p.mu.Lock()
	last := p.lastStatus
	p.mu.Unlock()
	if last != nil {
		if err := p.publish(p.topic("status"), true, last); err != nil {
			p.logger.Warn("republish status", "error", err)
		}
	}
}

// Mirror publishes every status received from updates until ctx is done
// or updates is closed.
func (p *Publisher) Mirror(ctx context.Context, updates <-chan connmgr.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := p.PublishStatus(st); err != nil {
				p.logger.Warn("publish status", "error", err)
			}
		}
	}
}

// PublishStatus publishes st as the retained status.
func (p *Publisher) PublishStatus(st connmgr.Status) error {
	payload, err := json.Marshal(statusPayload(st))
	if err != nil {
		return fmt.Errorf("mqtt: encode status: %w", err)
	}
	p.mu.Lock()
	p.lastStatus = payload
	p.mu.Unlock()
	return p.publish(p.topic("status"), true, payload)
}

// Alert implements alert.Sink.
func (p *Publisher) Alert(_ context.Context, a alert.Alert) {
	payload, err := json.Marshal(alertPayload(a))
	if err != nil {
		p.logger.Warn("encode alert", "error", err)
		return
	}
	if err := p.publish(p.topic("alert"), false, payload); err != nil {
		p.logger.Warn("publish alert", "title", a.Title, "error", err)
	}
}

// Close marks the daemon offline and disconnects.
func (p *Publisher) Close() error {
	err := p.publish(p.topic("availability"), true, []byte(payloadOffline))
	p.client.Disconnect(disconnectMS)
	return err
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	tok := p.client.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: %w", topic, errPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

var errPublishTimeout = errors.New("timed out")

type devicePayload struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	RSSI       *int     `json:"rssi,omitempty"`
	ServiceIDs []string `json:"service_ids,omitempty"`
}

type activePayload struct {
	Device      devicePayload `json:"device"`
	ConnectedAt time.Time     `json:"connected_at"`
	RSSI        *int          `json:"rssi,omitempty"`
}

type wireStatus struct {
	State      string          `json:"state"`
	Connection string          `json:"connection"`
	Scan       string          `json:"scan"`
	InRoom     bool            `json:"in_room"`
	Active     *activePayload  `json:"active,omitempty"`
	Discovered []devicePayload `json:"discovered"`
	LastError  string          `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type wireAlert struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

func statusPayload(st connmgr.Status) wireStatus {
	w := wireStatus{
		State:      st.State.String(),
		Connection: st.ConnectionLabel,
		Scan:       string(st.ScanStatus),
		InRoom:     st.InRoom,
		Discovered: make([]devicePayload, 0, len(st.Discovered)),
		UpdatedAt:  st.UpdatedAt.UTC(),
	}
	for _, d := range st.Discovered {
		w.Discovered = append(w.Discovered, devicePayload{ID: d.ID, Name: d.Name, RSSI: d.RSSI, ServiceIDs: d.ServiceIDs})
	}
	if a := st.Active; a != nil {
		w.Active = &activePayload{
			Device:      devicePayload{ID: a.Device.ID, Name: a.Device.Name, ServiceIDs: a.Device.ServiceIDs},
			ConnectedAt: a.ConnectedAt.UTC(),
			RSSI:        a.RSSI,
		}
	}
	if st.LastError != nil {
		w.LastError = st.LastError.Error()
	}
	return w
}

func alertPayload(a alert.Alert) wireAlert {
	w := wireAlert{Title: a.Title, Message: a.Message, At: a.At.UTC()}
	if a.Err != nil {
		w.Error = a.Err.Error()
	}
	return w
}
