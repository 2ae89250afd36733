package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"farmestly-reports/internal/models"
)

// Event is a job status change broadcast to subscribers.
type Event struct {
	JobID  string            `json:"jobId"`
	Status models.JobStatus  `json:"status"`
	Result *models.JobResult `json:"result,omitempty"`
	Error  *string           `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

// RedisNotifier fans out job status events over Redis Pub/Sub so the API process can
// push updates produced by worker processes.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier builds a notifier on an existing client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "report:status:"}
}

func (n *RedisNotifier) channel(jobID string) string {
	return n.prefix + jobID
}

// Publish sends ev to the job's channel.
func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(ev.JobID), raw).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscription delivers events for one job until closed.
type Subscription struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Events returns the receive channel; it is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close ends the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

// Subscribe listens for status events of jobID. The subscription is confirmed
// before returning, so no event published afterwards is missed.
func (n *RedisNotifier) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ps := n.client.Subscribe(ctx, n.channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", jobID, err)
	}
	sub := &Subscription{pubsub: ps, events: make(chan Event, 8), done: make(chan struct{})}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			select {
			case sub.events <- ev:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}
