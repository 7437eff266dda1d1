// Package redisbroker implements a hubconn broker using redis as
// backend. Call requests and results are stored in redis lists and
// queried via the BRPOP command, while events are handled using redis'
// built-in pub-sub support.
//
// Call timeouts are handled by an expiring key associated with each call
// request, and in a similar way for results. Keys are named in such a
// way that the call request list and associated expiring keys are in the
// same hash slot, and the same is true for results and their expiring
// key, so that using a redis cluster is supported. The call requests are
// hashed on the hub method, and the results are hashed on the caller.
//
// If a hub method is much more sollicitated than others, it can be spread
// over multiple lists by registering the bridge for "Method_%d" names and
// having callers pick one at random.
//
package redisbroker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/hubconn/broker"
	"github.com/mna/redisc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// static check that *Broker implements all the broker interfaces
	_ broker.CallerBroker    = (*Broker)(nil)
	_ broker.CalleeBroker    = (*Broker)(nil)
	_ broker.EventPublisher  = (*Broker)(nil)
	_ broker.EventSubscriber = (*Broker)(nil)
)

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Broker is a broker that provides the methods to interact with redis
// for the hubconn bridge.
type Broker struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection. Typically, it can be set to redis.Pool.Dial
	// or redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// BlockingTimeout is the time to wait for a value on calls to
	// BRPOP before trying again. The default of 0 means no timeout.
	BlockingTimeout time.Duration

	// Logger is the logger to use. If nil, the logrus standard logger is
	// used.
	Logger logrus.FieldLogger

	// CallCap is the capacity of the call requests queue per method. If
	// it is exceeded for a given method, subsequent Broker.Call calls for
	// that method fail with an error. The default of 0 means no limit.
	CallCap int

	// ResultCap is the capacity of the results queue per caller. If it is
	// exceeded for a given caller, Broker.Result calls for that caller
	// fail with an error. The default of 0 means no limit.
	ResultCap int

	// Metrics collects metrics about the broker, if set. It should be set
	// before starting to make calls with the broker.
	Metrics *Metrics
}

// script to store the call request or call result along with
// its expiration information.
var callOrResScript = redis.NewScript(2, `
	redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[1]))
	local res = redis.call("LPUSH", KEYS[2], ARGV[2])
	local limit = tonumber(ARGV[3])
	if res > limit and limit > 0 then
		local diff = res - limit
		redis.call("LTRIM", KEYS[2], diff, limit + diff)
		return redis.error_reply("list capacity exceeded")
	end
	return res
`)

const (
	// redis cluster-compliant keys, so that both keys are in the same slot
	callKey        = "hubconn:calls:{%s}"            // 1: method
	callTimeoutKey = "hubconn:calls:timeout:{%s}:%s" // 1: method, 2: call ID

	// redis cluster-compliant keys, so that both keys are in the same slot
	resKey        = "hubconn:results:{%s}"            // 1: caller
	resTimeoutKey = "hubconn:results:timeout:{%s}:%s" // 1: caller, 2: call ID

	// pub-sub channel of the events of a target
	eventChannel = "hubconn:events:%s" // 1: target
)

// EventChannel returns the redis pub-sub channel on which the events of
// target are published.
func EventChannel(target string) string {
	return fmt.Sprintf(eventChannel, target)
}

func (b *Broker) logger() logrus.FieldLogger {
	if b.Logger != nil {
		return b.Logger
	}
	return logrus.StandardLogger()
}

// Call registers a call request in the broker.
func (b *Broker) Call(cp *broker.CallPayload, timeout time.Duration) error {
	k1 := fmt.Sprintf(callTimeoutKey, cp.Method, cp.ID)
	k2 := fmt.Sprintf(callKey, cp.Method)
	if err := registerCallOrRes(b.Pool, cp, timeout, b.CallCap, k1, k2); err != nil {
		return errors.Wrapf(err, "store call request %s", cp.ID)
	}
	return nil
}

// Result registers a call result in the broker.
func (b *Broker) Result(rp *broker.ResultPayload, timeout time.Duration) error {
	k1 := fmt.Sprintf(resTimeoutKey, rp.Caller, rp.ID)
	k2 := fmt.Sprintf(resKey, rp.Caller)
	if err := registerCallOrRes(b.Pool, rp, timeout, b.ResultCap, k1, k2); err != nil {
		return errors.Wrapf(err, "store call result %s", rp.ID)
	}
	return nil
}

func registerCallOrRes(pool Pool, pld interface{}, timeout time.Duration, cap int, k1, k2 string) error {
	p, err := json.Marshal(pld)
	if err != nil {
		return err
	}

	rc := pool.Get()
	defer rc.Close()

	// turn it into a cluster-aware RetryConn if running in a cluster
	rc = clusterifyConn(rc, k1, k2)

	to := int(timeout / time.Millisecond)
	if to <= 0 {
		to = int(broker.DefaultCallTimeout / time.Millisecond)
	}

	_, err = callOrResScript.Do(rc,
		k1,  // key[1] : the SET key with expiration
		k2,  // key[2] : the LIST key
		to,  // argv[1] : the timeout in milliseconds
		p,   // argv[2] : the call payload
		cap, // argv[3] : the LIST capacity
	)
	return err
}

// Publish publishes an event on the channel of target.
func (b *Broker) Publish(target string, ep *broker.EventPayload) error {
	p, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	rc := b.Pool.Get()
	defer rc.Close()

	// force selection of a random node (otherwise it would use
	// the node of the hash of the channel - which may hit the
	// same node over and over again if there are few channels).
	if bc, ok := rc.(binder); ok {
		// ignore the error, if it fails, use the connection as-is.
		// Bind without a key selects a random node.
		bc.Bind()
	}
	if _, err := rc.Do("PUBLISH", EventChannel(target), p); err != nil {
		return errors.Wrapf(err, "publish event %s", target)
	}
	return nil
}

// NewEventsConn returns a new events connection that can be used to
// subscribe to and unsubscribe from targets, and to process incoming
// events.
func (b *Broker) NewEventsConn() (broker.EventsConn, error) {
	rc, err := b.Dial()
	if err != nil {
		return nil, errors.Wrap(err, "dial events connection")
	}
	return &eventsConn{
		psc:     redis.PubSubConn{Conn: rc},
		log:     b.logger(),
		metrics: b.Metrics,
	}, nil
}

// NewCallsConn returns a new calls connection that can be used
// to process the call requests for the specified methods.
func (b *Broker) NewCallsConn(methods ...string) (broker.CallsConn, error) {
	rc, err := b.Dial()
	if err != nil {
		return nil, errors.Wrap(err, "dial calls connection")
	}
	return &callsConn{
		c:       rc,
		pool:    b.Pool,
		methods: methods,
		metrics: b.Metrics,
		timeout: b.BlockingTimeout,
		log:     b.logger(),
	}, nil
}

// NewResultsConn returns a new results connection that can be used
// to process the call results for the specified caller.
func (b *Broker) NewResultsConn(caller string) (broker.ResultsConn, error) {
	rc, err := b.Dial()
	if err != nil {
		return nil, errors.Wrap(err, "dial results connection")
	}
	return &resultsConn{
		c:       rc,
		pool:    b.Pool,
		caller:  caller,
		metrics: b.Metrics,
		timeout: b.BlockingTimeout,
		log:     b.logger(),
	}, nil
}

const (
	clusterConnMaxAttempts   = 4
	clusterConnTryAgainDelay = 100 * time.Millisecond
)

type binder interface {
	Bind(...string) error
}

func clusterifyConn(rc redis.Conn, keys ...string) redis.Conn {
	// if it implements Bind, call it and make it a RetryConn so
	// that it follows redirections in a cluster.
	if bc, ok := rc.(binder); ok {
		// if Bind fails, go on with the call as usual, but if it
		// succeeds, try to turn it into a RetryConn.
		if err := bc.Bind(keys...); err == nil {
			retry, err := redisc.RetryConn(rc, clusterConnMaxAttempts, clusterConnTryAgainDelay)
			// again, if it fails, ignore and go on with the normal conn,
			// but if it succeds, replace the conn with this one.
			if err == nil {
				rc = retry
			}
		}
	}
	return rc
}

// script to delete the key and return its TTL in ms
var delAndPTTLScript = redis.NewScript(1, `
	local res = redis.call("PTTL", KEYS[1])
	redis.call("DEL", KEYS[1])
	return res
`)

// expired deletes the expiring key k and returns the remaining TTL of
// the key. A TTL <= 0 means the key is expired.
func expired(pool Pool, k string) (time.Duration, error) {
	rc := pool.Get()
	defer rc.Close()
	rc = clusterifyConn(rc, k)

	pttl, err := redis.Int(delAndPTTLScript.Do(rc, k))
	if err != nil {
		return 0, err
	}
	return time.Duration(pttl) * time.Millisecond, nil
}

func unmarshalBRPOPValue(dst interface{}, src []interface{}) error {
	var p []byte
	if _, err := redis.Scan(src, nil, &p); err != nil {
		return err
	}
	return json.Unmarshal(p, dst)
}
