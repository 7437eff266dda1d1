package redisbroker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/hubconn/broker"
	"github.com/sirupsen/logrus"
)

var _ broker.ResultsConn = (*resultsConn)(nil)

type resultsConn struct {
	c       redis.Conn
	pool    Pool
	caller  string
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *Metrics

	// once makes sure only the first call to Results starts the goroutine.
	once sync.Once
	ch   chan *broker.ResultPayload

	// errmu protects access to err.
	errmu sync.Mutex
	err   error
}

// Close closes the connection.
func (c *resultsConn) Close() error {
	return c.c.Close()
}

// ResultsErr returns the error that caused the Results channel to close.
func (c *resultsConn) ResultsErr() error {
	c.errmu.Lock()
	err := c.err
	c.errmu.Unlock()
	return err
}

// Results returns a stream of call results for the caller specified when
// creating the resultsConn.
func (c *resultsConn) Results() <-chan *broker.ResultPayload {
	c.once.Do(func() {
		c.ch = make(chan *broker.ResultPayload)

		// compute key and timeout
		key := fmt.Sprintf(resKey, c.caller)
		to := int(c.timeout / time.Second)

		// make connection cluster-aware if running in a cluster
		rc := clusterifyConn(c.c, key)

		go c.pollResults(rc, key, to)
	})

	return c.ch
}

func (c *resultsConn) pollResults(pollConn redis.Conn, key string, timeout int) {
	defer close(c.ch)

	wg := sync.WaitGroup{}
	for {
		// BRPOP returns array with [0]: key name, [1]: payload.
		v, err := redis.Values(pollConn.Do("BRPOP", key, timeout))
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
			wg.Wait()
			return
		}

		wg.Add(1)
		go c.sendResult(v, &wg)
	}
}

// receives the raw value v retured from BRPOP.
func (c *resultsConn) sendResult(v []interface{}, wg *sync.WaitGroup) {
	defer wg.Done()

	var rp broker.ResultPayload
	if err := unmarshalBRPOPValue(&rp, v); err != nil {
		c.metrics.incFailedUnmarshal(kindResult)
		c.log.WithError(err).Error("Results: BRPOP failed to unmarshal result payload")
		return
	}

	log := c.log.WithFields(logrus.Fields{"id": rp.ID, "method": rp.Method})
	pttl, err := expired(c.pool, fmt.Sprintf(resTimeoutKey, rp.Caller, rp.ID))
	if err != nil {
		c.metrics.incFailedPTTL(kindResult)
		log.WithError(err).Error("Results: DEL/PTTL failed")
		return
	}
	if pttl <= 0 {
		c.metrics.incExpired(kindResult)
		log.Info("Results: result expired, dropping")
		return
	}

	c.metrics.incReceived(kindResult)
	c.ch <- &rp
}
