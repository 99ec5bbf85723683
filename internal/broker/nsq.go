package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hookdispatch/internal/logging"
	"github.com/austindbirch/hookdispatch/internal/metrics"
)

// DefaultTouchInterval keeps in-flight messages well inside nsqd's default
// 60s --msg-timeout.
const DefaultTouchInterval = 20 * time.Second

// NSQConnector opens sessions against a single nsqd. The webhooks topic is
// consumed on a channel named after ConsumerTag; MaxInFlight plays the role
// of the prefetch limit.
//
// While a message is unresolved it is touched every TouchInterval so nsqd
// does not redeliver it mid-dispatch. nsqd still caps the total lifetime of
// a touched message at --max-msg-timeout (15m by default), which bounds the
// usable timeout_ms on this backend.
type NSQConnector struct {
	NsqdTCPAddr     string // e.g. nsqd:4150
	NsqdHTTPAddr    string // e.g. nsqd:4151, for backlog stats
	Prefetch        int
	BacklogInterval time.Duration
	TouchInterval   time.Duration // DefaultTouchInterval when zero
	Logger          *logging.Logger
}

func (c *NSQConnector) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Op: "dial", Err: err}
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = c.Prefetch
	consumer, err := nsq.NewConsumer(QueueName, ConsumerTag, conf)
	if err != nil {
		return nil, &ConnectError{Op: "new consumer", Err: err}
	}
	if c.Logger != nil {
		consumer.SetLogger(nsqLogger{c.Logger}, nsq.LogLevelWarning)
	}

	touch := c.TouchInterval
	if touch <= 0 {
		touch = DefaultTouchInterval
	}
	s := &nsqSession{
		consumer: consumer,
		out:      make(chan Delivery),
		closed:   make(chan struct{}),
		touch:    touch,
		logger:   c.Logger,
	}
	consumer.AddHandler(nsq.HandlerFunc(s.handle))

	if err := consumer.ConnectToNSQD(c.NsqdTCPAddr); err != nil {
		consumer.Stop()
		<-consumer.StopChan
		return nil, &ConnectError{Op: "connect nsqd", Err: err}
	}

	// StopChan closes only after every handler has returned, so nothing
	// sends on out once it is closed.
	go func() {
		<-consumer.StopChan
		select {
		case <-s.closed:
		default:
			s.setErr(fmt.Errorf("nsq consumer stopped"))
		}
		close(s.out)
	}()
	if c.BacklogInterval > 0 && c.NsqdHTTPAddr != "" {
		go s.monitorBacklog(c.NsqdHTTPAddr, c.BacklogInterval)
	}
	return s, nil
}

type nsqSession struct {
	consumer *nsq.Consumer
	out      chan Delivery
	closed   chan struct{}
	touch    time.Duration
	logger   *logging.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (s *nsqSession) handle(m *nsq.Message) error {
	m.DisableAutoResponse() // resolved by the consumer loop
	d := newNSQDelivery(m)
	select {
	case s.out <- d:
		go d.keepAlive(s.touch, s.closed)
	case <-s.closed:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

func (s *nsqSession) Deliveries() <-chan Delivery { return s.out }

func (s *nsqSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *nsqSession) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close stops the consumer and waits for it to drain its connections.
func (s *nsqSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.consumer.Stop()
		<-s.consumer.StopChan
	})
	return nil
}

// nsqStats is the subset of nsqd's /stats response we read.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName string `json:"channel_name"`
			Depth       int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

func (s *nsqSession) monitorBacklog(httpAddr string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	client := &http.Client{Timeout: 5 * time.Second}

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
		}
		depth, err := channelDepth(client, httpAddr)
		if err != nil {
			if s.logger != nil {
				s.logger.Plain().WithError(err).Warn("nsq stats check failed")
			}
			continue
		}
		metrics.UpdateQueueBacklog(QueueName, float64(depth))
	}
}

func channelDepth(client *http.Client, httpAddr string) (int64, error) {
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s&channel=%s", httpAddr, QueueName, ConsumerTag)
	resp, err := client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nsq stats: unexpected status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("failed to decode NSQ stats: %w", err)
	}
	for _, topic := range stats.Topics {
		if topic.TopicName != QueueName {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == ConsumerTag {
				return ch.Depth, nil
			}
		}
	}
	return 0, nil
}

type nsqDelivery struct {
	m        *nsq.Message
	once     resolveOnce
	resolved chan struct{}
}

func newNSQDelivery(m *nsq.Message) *nsqDelivery {
	return &nsqDelivery{m: m, resolved: make(chan struct{})}
}

// keepAlive resets the nsqd message timeout until the delivery is resolved
// or the session stops.
func (d *nsqDelivery) keepAlive(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.m.Touch()
		case <-d.resolved:
			return
		case <-stop:
			return
		}
	}
}

func (d *nsqDelivery) Body() []byte { return d.m.Body }

func (d *nsqDelivery) Headers() map[string]string { return nil }

func (d *nsqDelivery) Tag() string { return string(d.m.ID[:]) }

func (d *nsqDelivery) Ack() error {
	if err := d.once.claim(); err != nil {
		return err
	}
	close(d.resolved)
	d.m.Finish()
	return nil
}

func (d *nsqDelivery) Requeue() error {
	if err := d.once.claim(); err != nil {
		return err
	}
	close(d.resolved)
	d.m.RequeueWithoutBackoff(0)
	return nil
}

// nsqLogger routes go-nsq's internal logs through the structured logger.
type nsqLogger struct {
	l *logging.Logger
}

func (n nsqLogger) Output(_ int, s string) error {
	n.l.Plain().WithField("component", "nsq").Warn(s)
	return nil
}
