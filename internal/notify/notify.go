// Package notify publishes per-camera occupancy to an MQTT broker.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/multierr"

	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
)

const (
	DefaultTopicPrefix = "parkwatch/occupancy"
	publishTimeout     = 5 * time.Second
)

// Publisher is the part of mqtt.Client the notifier needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Options struct {
	Broker      string // e.g. tcp://mqtt:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Message is the retained per-camera payload.
type Message struct {
	CameraID    string    `json:"camera_id"`
	TotalSpaces int       `json:"total_spaces"`
	FreeSpaces  int       `json:"free_spaces"`
	FreeSlots   []int     `json:"free_slots"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewMessage(res *occupancy.Result, at time.Time) Message {
	slots := res.FreeSlots
	if slots == nil {
		slots = []int{}
	}
	return Message{
		CameraID:    res.CameraID,
		TotalSpaces: res.TotalSpaces,
		FreeSpaces:  len(res.FreeSlots),
		FreeSlots:   slots,
		Timestamp:   at.UTC(),
	}
}

type Notifier struct {
	pub     Publisher
	client  mqtt.Client // nil when constructed around a bare Publisher
	prefix  string
	metrics *metrics.Metrics
	log     *logger.ModuleLogger
}

// NewNotifier wraps an existing publisher. m may be nil.
func NewNotifier(pub Publisher, prefix string, m *metrics.Metrics) *Notifier {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Notifier{
		pub:     pub,
		prefix:  strings.TrimRight(prefix, "/"),
		metrics: m,
		log:     logger.For("MQTT"),
	}
}

// Connect dials the broker and returns a notifier that owns the connection.
func Connect(opts Options, m *metrics.Metrics) (*Notifier, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt broker not set")
	}
	co := mqtt.NewClientOptions().AddBroker(opts.Broker)
	if opts.ClientID != "" {
		co.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, token.Error())
	}

	n := NewNotifier(client, opts.TopicPrefix, m)
	n.client = client
	n.log.Info("connected to %s", opts.Broker)
	return n, nil
}

// Topic is <prefix>/<camera id>.
func (n *Notifier) Topic(cameraID string) string {
	return n.prefix + "/" + cameraID
}

// PublishResults sends one retained QoS 0 message per camera. Failures for
// one camera do not stop the others.
func (n *Notifier) PublishResults(outcomes []fleet.EvaluationOutcome, at time.Time) error {
	var errs error
	for _, out := range outcomes {
		if out.Result == nil {
			continue
		}
		if err := n.publish(NewMessage(out.Result, at)); err != nil {
			errs = multierr.Append(errs, err)
			if n.metrics != nil {
				n.metrics.PublishErrors.Add(1)
			}
			continue
		}
		if n.metrics != nil {
			n.metrics.MessagesPublished.Add(1)
		}
	}
	if errs != nil {
		n.log.Warn("publish: %v", errs)
	}
	return errs
}

func (n *Notifier) publish(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := n.pub.Publish(n.Topic(msg.CameraID), 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("camera %s: publish timed out", msg.CameraID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("camera %s: %w", msg.CameraID, err)
	}
	return nil
}

func (n *Notifier) Close() {
	if n.client != nil {
		n.client.Disconnect(250)
	}
}
