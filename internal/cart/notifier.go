package cart

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"github.com/reliablestore/storefront/pkg/logger"
)

// subscriberBuffer bounds each listener's queue; a slow listener misses
// intermediate counts but always sees a later one.
const subscriberBuffer = 8

// Change is the cart-changed notification.
type Change struct {
	DeviceID string `json:"device_id"`
	Count    int    `json:"count"`
	Origin   string `json:"origin,omitempty"`
}

type publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Broadcaster fans cart changes out to in-process listeners and, when a
// publisher is configured, to every other instance over a shared channel.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[string]map[uint64]chan Change
	nextID   uint64
	pub      publisher
	channel  string
	instance string
	closed   bool
	logg     *logger.Logger
}

// NewBroadcaster builds a Broadcaster. pub may be nil for single-instance use.
func NewBroadcaster(pub publisher, channel string, logg *logger.Logger) *Broadcaster {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Broadcaster{
		subs:     make(map[string]map[uint64]chan Change),
		pub:      pub,
		channel:  channel,
		instance: uuid.NewString(),
		logg:     logg,
	}
}

// Subscribe registers a listener for one device. The returned cancel func
// must be called to release it. After Close the channel comes back closed.
func (b *Broadcaster) Subscribe(deviceID string) (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	if b.subs[deviceID] == nil {
		b.subs[deviceID] = make(map[uint64]chan Change)
	}
	b.subs[deviceID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			listeners := b.subs[deviceID]
			if _, live := listeners[id]; !live {
				// already closed by Close
				return
			}
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(b.subs, deviceID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Notify delivers the change locally and publishes it for other instances.
func (b *Broadcaster) Notify(ctx context.Context, deviceID string, count int) {
	change := Change{DeviceID: deviceID, Count: count, Origin: b.instance}
	b.deliver(change)

	if b.pub == nil || b.channel == "" {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		b.logg.WarnErr(ctx, "cart.change.encode_failed", err)
		return
	}
	if err := b.pub.Publish(ctx, b.channel, string(payload)); err != nil {
		logCtx := b.logg.WithDeviceID(ctx, deviceID)
		b.logg.WarnErr(logCtx, "cart.change.publish_failed", err)
	}
}

// Relay forwards changes published by other instances to local listeners
// until ctx is done or messages is closed.
func (b *Broadcaster) Relay(ctx context.Context, messages <-chan *redislib.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logg.WarnErr(ctx, "cart.change.decode_failed", err)
				continue
			}
			if change.Origin == b.instance || change.DeviceID == "" {
				continue
			}
			b.deliver(change)
		}
	}
}

// Close ends every listener's channel; streams reading them return. Later
// notifications are delivered to nobody locally.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for deviceID, listeners := range b.subs {
		for _, ch := range listeners {
			close(ch)
		}
		delete(b.subs, deviceID)
	}
}

// Listeners reports how many listeners a device currently has.
func (b *Broadcaster) Listeners(deviceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[deviceID])
}

func (b *Broadcaster) deliver(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[change.DeviceID] {
		select {
		case ch <- change:
		default:
		}
	}
}
