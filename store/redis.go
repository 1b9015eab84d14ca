package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/tcriess/orgchat/globals"
)

const (
	minRedisBackoff = time.Second
	maxRedisBackoff = 30 * time.Second
)

type changeMessage struct {
	Origin string   `json:"origin"`
	Paths  []string `json:"paths"`
}

// RedisNotifier shares change notifications between all instances working on the same database through a redis
// pub/sub channel. Local changes are dispatched immediately, changes of other instances when they arrive.
type RedisNotifier struct {
	*LocalNotifier
	client  *redis.Client
	channel string
	origin  string
	logger  hclog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRedisNotifier connects to the redis server at url (redis://...) and starts listening on channel.
func NewRedisNotifier(ctx context.Context, url, channel string) (*RedisNotifier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	origin, err := NewKey()
	if err != nil {
		client.Close()
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	n := &RedisNotifier{
		LocalNotifier: NewLocalNotifier(),
		client:        client,
		channel:       channel,
		origin:        origin,
		logger:        globals.AppLogger.Named("redis"),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go n.run(listenCtx)
	return n, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, paths []string) error {
	_ = n.LocalNotifier.Publish(ctx, paths)
	data, err := json.Marshal(changeMessage{Origin: n.origin, Paths: paths})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

// run re-subscribes with exponential backoff until the notifier is closed.
func (n *RedisNotifier) run(ctx context.Context) {
	defer close(n.done)
	backoff := minRedisBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := n.receive(ctx, func() { backoff = minRedisBackoff })
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn("redis subscription failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRedisBackoff {
			backoff = maxRedisBackoff
		}
	}
}

func (n *RedisNotifier) receive(ctx context.Context, onMessage func()) error {
	pubsub := n.client.Subscribe(ctx, n.channel)
	defer pubsub.Close()
	n.logger.Debug("redis subscriber started", "channel", n.channel)
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		onMessage()
		var change changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			n.logger.Error("could not unmarshal change message", "error", err)
			continue
		}
		if change.Origin == n.origin {
			continue
		}
		_ = n.LocalNotifier.Publish(ctx, change.Paths)
	}
}

func (n *RedisNotifier) Close() error {
	n.cancel()
	<-n.done
	_ = n.LocalNotifier.Close()
	return n.client.Close()
}
