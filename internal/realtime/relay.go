package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	obslogger "github.com/smallbiznis/impactledger/internal/observability/logger"
	"github.com/smallbiznis/impactledger/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const DefaultRelayChannel = "impactledger:realtime"

type envelope struct {
	Origin        string `json:"origin"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
	Event         Event  `json:"event"`
}

func newEnvelope(ctx context.Context, origin string, event Event) envelope {
	env := envelope{
		Origin:        origin,
		CorrelationID: correlation.ExtractCorrelationID(ctx),
		Event:         event,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		env.TraceID = sc.TraceID().String()
		env.SpanID = sc.SpanID().String()
	}
	return env
}

// context rebuilds the publisher's correlation and trace identity.
func (e envelope) context() context.Context {
	ctx := correlation.ContextWithCorrelationID(context.Background(), e.CorrelationID)
	return correlation.ContextWithRemoteSpan(ctx, e.TraceID, e.SpanID)
}

// RedisRelay shares events between instances over redis pub/sub. Each event
// is delivered locally first, then relayed; instances skip their own echoes.
type RedisRelay struct {
	hub        *Hub
	client     *redis.Client
	channel    string
	instanceID string
	log        *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisRelay(hub *Hub, client *redis.Client, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		hub:        hub,
		client:     client,
		channel:    DefaultRelayChannel,
		instanceID: uuid.NewString(),
		log:        log.Named("realtime.relay"),
	}
}

func (r *RedisRelay) Publish(ctx context.Context, topic, name string, payload any) error {
	event, err := r.hub.newEvent(topic, name, payload)
	if err != nil {
		return err
	}
	r.hub.Deliver(event)

	data, err := json.Marshal(newEnvelope(ctx, r.instanceID, event))
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(runCtx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx, pubsub, r.done)
	return nil
}

func (r *RedisRelay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *RedisRelay) loop(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	if env.Origin == r.instanceID || env.Event.Topic == "" {
		return
	}
	obslogger.WithContext(env.context(), r.log).Debug("relayed event",
		zap.String("topic", env.Event.Topic),
		zap.String("event", env.Event.Name),
	)
	r.hub.Deliver(env.Event)
}
