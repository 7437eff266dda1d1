package redisbroker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/hubconn/broker"
	"github.com/sirupsen/logrus"
)

var _ broker.CallsConn = (*callsConn)(nil)

type callsConn struct {
	c       redis.Conn
	pool    Pool
	methods []string
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *Metrics

	// once makes sure only the first call to Calls starts the goroutine.
	once sync.Once
	ch   chan *broker.CallPayload

	// errmu protects access to err.
	errmu sync.Mutex
	err   error
}

// Close closes the connection.
func (c *callsConn) Close() error {
	return c.c.Close()
}

// CallsErr returns the error that caused the Calls channel to close.
func (c *callsConn) CallsErr() error {
	c.errmu.Lock()
	err := c.err
	c.errmu.Unlock()
	return err
}

// Calls returns a stream of call requests for the methods specified when
// creating the callsConn. For use in a redis cluster, all methods must
// belong to the same cluster slot.
func (c *callsConn) Calls() <-chan *broker.CallPayload {
	c.once.Do(func() {
		c.ch = make(chan *broker.CallPayload)

		// compute all keys and timeout
		keys := make([]string, len(c.methods))
		for i, m := range c.methods {
			keys[i] = fmt.Sprintf(callKey, m)
		}
		to := int(c.timeout / time.Second)
		args := redis.Args{}.AddFlat(keys).Add(to)

		// make the connection cluster-aware if running in a cluster
		rc := clusterifyConn(c.c, keys...)

		go c.pollCalls(rc, args)
	})

	return c.ch
}

func (c *callsConn) pollCalls(pollConn redis.Conn, args redis.Args) {
	defer close(c.ch)

	for {
		// BRPOP returns array with [0]: key name, [1]: payload.
		v, err := redis.Values(pollConn.Do("BRPOP", args...))
		if err != nil {
			if err == redis.ErrNil {
				// no available value
				continue
			}

			// possibly a closed connection, in any case stop
			// the loop.
			c.errmu.Lock()
			c.err = err
			c.errmu.Unlock()
			return
		}

		if cp := c.readCall(v); cp != nil {
			c.ch <- cp
		}
	}
}

// readCall decodes the raw value v returned from BRPOP and checks its
// expiration. It returns nil if the call must be dropped.
func (c *callsConn) readCall(v []interface{}) *broker.CallPayload {
	var cp broker.CallPayload
	if err := unmarshalBRPOPValue(&cp, v); err != nil {
		c.metrics.incFailedUnmarshal(kindCall)
		c.log.WithError(err).Error("Calls: BRPOP failed to unmarshal call payload")
		return nil
	}

	log := c.log.WithFields(logrus.Fields{"id": cp.ID, "method": cp.Method})
	pttl, err := expired(c.pool, fmt.Sprintf(callTimeoutKey, cp.Method, cp.ID))
	if err != nil {
		c.metrics.incFailedPTTL(kindCall)
		log.WithError(err).Error("Calls: DEL/PTTL failed")
		return nil
	}
	if pttl <= 0 {
		c.metrics.incExpired(kindCall)
		log.Info("Calls: call expired, dropping")
		return nil
	}

	c.metrics.incReceived(kindCall)
	cp.ReadTimestamp = time.Now().UTC()
	cp.TTLAfterRead = pttl
	return &cp
}
