package api

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/parkwatch/internal/logger"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized Protobuf (base64 encoded for SSE)
}

// Broadcaster manages fanout of evaluation passes to SSE clients.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	closed  bool
	log     *logger.ModuleLogger
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		log:     logger.For("Broadcaster"),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
// After Close the channel is returned already closed.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	b.log.Debug("Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		b.log.Debug("Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Publish serializes snap once and hands it to every client. Slow clients
// miss the event rather than block the batch.
func (b *Broadcaster) Publish(snap OccupancySnapshot) {
	event, err := serializeSnapshot(snap)
	if err != nil {
		b.log.Error("serialize pass %s: %v", snap.BatchID, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

func serializeSnapshot(snap OccupancySnapshot) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	pbData, err := marshalSnapshotProto(snap)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// snapshotStruct mirrors the JSON shape as a structpb.Struct. structpb only
// accepts []interface{} for lists.
func snapshotStruct(snap OccupancySnapshot) (*structpb.Struct, error) {
	cams := make([]interface{}, len(snap.Cameras))
	for i, c := range snap.Cameras {
		slots := make([]interface{}, len(c.FreeSlots))
		for j, s := range c.FreeSlots {
			slots[j] = s
		}
		spaces := make([]interface{}, len(c.FreeSpaces))
		for j, b := range c.FreeSpaces {
			spaces[j] = []interface{}{b.X1, b.Y1, b.X2, b.Y2}
		}
		cams[i] = map[string]interface{}{
			"camera_id":    c.CameraID,
			"width":        c.Width,
			"height":       c.Height,
			"total_spaces": c.TotalSpaces,
			"free_slots":   slots,
			"free_spaces":  spaces,
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"batch_id":  snap.BatchID,
		"version":   snap.Version,
		"timestamp": snap.Timestamp,
		"succeeded": snap.Succeeded,
		"total":     snap.Total,
		"cameras":   cams,
	})
}

func marshalSnapshotProto(snap OccupancySnapshot) ([]byte, error) {
	s, err := snapshotStruct(snap)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
