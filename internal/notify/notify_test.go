package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/parkwatch/internal/fleet"
	"github.com/dj-oyu/parkwatch/internal/metrics"
	"github.com/dj-oyu/parkwatch/internal/occupancy"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []published
	failOn string
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if topic == f.failOn {
		return doneToken{err: errors.New("not connected")}
	}
	f.sent = append(f.sent, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func outcomes() []fleet.EvaluationOutcome {
	return []fleet.EvaluationOutcome{
		{CameraID: "1", Result: &occupancy.Result{CameraID: "1", TotalSpaces: 12, FreeSlots: []int{2, 5, 9}}},
		{CameraID: "3", Result: &occupancy.Result{CameraID: "3", TotalSpaces: 4}},
	}
}

func TestPublishResults(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.New()
	n := NewNotifier(pub, "lot/a/", m)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	require.NoError(t, n.PublishResults(outcomes(), at))
	require.Len(t, pub.sent, 2)

	first := pub.sent[0]
	assert.Equal(t, "lot/a/1", first.topic)
	assert.Equal(t, byte(0), first.qos)
	assert.True(t, first.retained)
	assert.JSONEq(t, `{"camera_id":"1","total_spaces":12,"free_spaces":3,"free_slots":[2,5,9],"timestamp":"2026-05-04T10:00:00Z"}`, string(first.payload))

	var second Message
	require.NoError(t, json.Unmarshal(pub.sent[1].payload, &second))
	assert.Equal(t, []int{}, second.FreeSlots, "encoded as [] not null")
	assert.Equal(t, uint64(2), m.MessagesPublished.Load())
}

func TestPublishFailureDoesNotStopOthers(t *testing.T) {
	pub := &fakePublisher{failOn: DefaultTopicPrefix + "/1"}
	m := metrics.New()
	n := NewNotifier(pub, "", m)

	err := n.PublishResults(outcomes(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera 1")
	require.Len(t, pub.sent, 1)
	assert.Equal(t, DefaultTopicPrefix+"/3", pub.sent[0].topic)
	assert.Equal(t, uint64(1), m.PublishErrors.Load())
}

func TestConnectRequiresBroker(t *testing.T) {
	_, err := Connect(Options{}, nil)
	assert.Error(t, err)
}
