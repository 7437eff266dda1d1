package redisbroker

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/hubconn/broker"
	"github.com/sirupsen/logrus"
)

var _ broker.EventsConn = (*eventsConn)(nil)

type eventsConn struct {
	psc     redis.PubSubConn
	log     logrus.FieldLogger
	metrics *Metrics

	// wmu controls writes (sub/unsub calls) to the connection.
	wmu sync.Mutex

	// once makes sure only the first call to Events starts the goroutine.
	once sync.Once
	evch chan *broker.EventPayload

	// errmu protects access to err.
	errmu sync.Mutex
	err   error
}

// Close closes the connection.
func (c *eventsConn) Close() error {
	return c.psc.Close()
}

// Subscribe subscribes the redis connection to the events of target,
// which may be a pattern.
func (c *eventsConn) Subscribe(target string, pattern bool) error {
	return c.subUnsub(target, pattern, true)
}

// Unsubscribe unsubscribes the redis connection from the events of
// target, which may be a pattern.
func (c *eventsConn) Unsubscribe(target string, pattern bool) error {
	return c.subUnsub(target, pattern, false)
}

func (c *eventsConn) subUnsub(target string, pat bool, sub bool) error {
	var fn func(...interface{}) error
	switch {
	case pat && sub:
		fn = c.psc.PSubscribe
	case pat && !sub:
		fn = c.psc.PUnsubscribe
	case !pat && sub:
		fn = c.psc.Subscribe
	case !pat && !sub:
		fn = c.psc.Unsubscribe
	}

	c.wmu.Lock()
	err := fn(EventChannel(target))
	c.wmu.Unlock()
	return err
}

// Events returns the stream of events from targets that the redis
// connection is subscribed to. Events are delivered in the order they
// were published.
func (c *eventsConn) Events() <-chan *broker.EventPayload {
	c.once.Do(func() {
		c.evch = make(chan *broker.EventPayload)
		go c.listen()
	})

	return c.evch
}

func (c *eventsConn) listen() {
	defer close(c.evch)

	for {
		switch v := c.psc.Receive().(type) {
		case redis.Message:
			c.sendEvent(v.Channel, v.Data)

		case error:
			// possibly because the pub-sub connection was closed, but
			// in any case, the pub-sub is now broken, terminate the
			// loop.
			c.errmu.Lock()
			c.err = v
			c.errmu.Unlock()
			return
		}
	}
}

func (c *eventsConn) sendEvent(channel string, pld []byte) {
	var ep broker.EventPayload
	if err := json.Unmarshal(pld, &ep); err != nil {
		c.metrics.incFailedUnmarshal(kindEvent)
		c.log.WithError(err).WithField("channel", channel).Error("Events: failed to unmarshal event payload")
		return
	}
	if ep.Target == "" {
		ep.Target = strings.TrimPrefix(channel, EventChannel(""))
	}
	c.metrics.incReceived(kindEvent)
	c.evch <- &ep
}

// EventsErr returns the error that caused the events channel to close.
func (c *eventsConn) EventsErr() error {
	c.errmu.Lock()
	err := c.err
	c.errmu.Unlock()
	return err
}
