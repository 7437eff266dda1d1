// Command hubconn-load is a hub load generator. It runs a number of hub
// connections to a server, and for a given duration, invokes a method
// and collects results and statistics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/mna/hubconn"
	"github.com/mna/hubconn/connection"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	addrFlag        = flag.String("addr", "ws://localhost:5000/hub", "Hub `url`.")
	connFlag        = flag.Int("c", 100, "Number of `connections`.")
	durationFlag    = flag.Duration("d", 10*time.Second, "Run `duration`.")
	delayFlag       = flag.Duration("delay", 0, "Start execution after `delay`.")
	helpFlag        = flag.Bool("help", false, "Show help.")
	numMethodsFlag  = flag.Int("n", 0, "Spread invocations to this `number` of methods (added as a suffix to the method).")
	payloadFlag     = flag.String("p", "100", "Invocation `payload`, a JSON value.")
	callRateFlag    = flag.Duration("r", 100*time.Millisecond, "Invocation `rate` per connection.")
	callTimeoutFlag = flag.Duration("t", time.Second, "Invocation `timeout`.")
	methodFlag      = flag.String("m", "Echo", "Invoked `method`.")
	waitFlag        = flag.Duration("w", 5*time.Second, "Wait `duration` for connections to stop.")
)

var (
	fnMap = template.FuncMap{
		"avg":  avgFn,
		"pctl": pctlFn,
	}

	tpl = template.Must(template.New("output").Funcs(fnMap).Parse(`
--- CONFIGURATION

Address:    {{ .Run.Addr }}
Method:     {{ .Run.Method }} x {{ .Run.NMethods }}
Payload:    {{ .Run.Payload }}

Connections: {{ .Run.Conns }}
Rate:        {{ .Run.Rate | printf "%s" }}
Timeout:     {{ .Run.Timeout | printf "%s" }}
Duration:    {{ .Run.Duration | printf "%s" }}

--- CLIENT STATISTICS

Actual Duration: {{ .Run.ActualDuration | printf "%s" }}
Invocations:     {{ .Run.Calls }}
Results:         {{ .Run.Res }}
Errors:          {{ .Run.Err }}
Expired:         {{ .Run.Exp }}

--- CLIENT LATENCIES

Minimum:         {{ pctl 0 .Latencies }}
Maximum:         {{ pctl 100 .Latencies }}
Average:         {{ avg .Latencies }}
Median:          {{ pctl 50 .Latencies }}
75th Percentile: {{ pctl 75 .Latencies }}
90th Percentile: {{ pctl 90 .Latencies }}
99th Percentile: {{ pctl 99 .Latencies }}

--- CLIENT COUNTERS
{{ range .Counters }}
{{ .Name | printf "%-60s" }} {{ .Value }}{{ end }}

`))
)

func avgFn(durs []time.Duration) time.Duration {
	var sum time.Duration

	if len(durs) == 0 {
		return 0
	}

	for _, d := range durs {
		sum += d
	}
	return sum / time.Duration(len(durs))
}

// from https://github.com/golang/go/issues/4594#issuecomment-135336012
func round(f float64) int {
	if math.Abs(f) < 0.5 {
		return 0
	}
	return int(f + math.Copysign(0.5, f))
}

func pctlFn(n int, durs []time.Duration) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	if len(durs) == 1 {
		return durs[0]
	}

	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })

	v := (float64(n) / 100.0) * float64(len(durs))
	ix := int(v)
	if v-float64(int(v)) != 0 {
		if ix = round(v); ix > 0 {
			ix--
		}

		return durs[ix]
	}

	// edge cases
	if ix == 0 {
		return durs[0]
	}
	if ix == len(durs) {
		return durs[len(durs)-1]
	}

	sum := durs[ix] + durs[ix-1]
	return sum / 2
}

type templateStats struct {
	Run       *runStats
	Latencies []time.Duration
	Counters  []counter
}

type runStats struct {
	Addr     string
	Method   string
	NMethods int
	Payload  string

	Conns          int
	Rate           time.Duration
	Timeout        time.Duration
	Duration       time.Duration
	ActualDuration time.Duration

	Calls int64
	Res   int64
	Err   int64
	Exp   int64
}

type counter struct {
	Name  string
	Value float64
}

// gatherCounters returns the counters collected by the hub connections
// on reg, sorted by name.
func gatherCounters(reg prometheus.Gatherer) ([]counter, error) {
	mfs, err := reg.Gather()
	if err != nil {
		return nil, err
	}

	var counters []counter
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil {
				continue
			}
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "." + lp.GetValue()
			}
			counters = append(counters, counter{Name: name, Value: c.GetValue()})
		}
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].Name < counters[j].Name })
	return counters, nil
}

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if *connFlag <= 0 {
		log.Fatal("invalid -c value, must be greater than 0")
	}
	if !json.Valid([]byte(*payloadFlag)) {
		log.Fatal("invalid -p value, must be a JSON value")
	}

	<-time.After(*delayFlag)

	stats := &runStats{
		Addr:     *addrFlag,
		Method:   *methodFlag,
		NMethods: *numMethodsFlag,
		Payload:  *payloadFlag,
		Conns:    *connFlag,
		Rate:     *callRateFlag,
		Timeout:  *callTimeoutFlag,
		Duration: *durationFlag,
	}

	// all connections share the same collectors
	reg := prometheus.NewRegistry()

	clientStarted := make(chan struct{})
	resLatency := make(chan []time.Duration)
	stop := make(chan struct{})
	for i := 0; i < stats.Conns; i++ {
		go runClient(stats, reg, log, clientStarted, stop, resLatency)
	}

	// start clients with some jitter, up to 10ms
	log.Infof("%d connections started...", stats.Conns)
	start := time.Now()
	for i := 0; i < stats.Conns; i++ {
		<-time.After(time.Duration(rand.Intn(int(10 * time.Millisecond))))
		<-clientStarted
	}

	// run for the requested duration and signal stop
	<-time.After(stats.Duration)
	close(stop)
	log.Info("stopping...")

	// wait for completion
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(*waitFlag):
			log.Fatal("failed to stop clients")
		}
	}()

	var latencies []time.Duration
	for i := 0; i < stats.Conns; i++ {
		latencies = append(latencies, <-resLatency...)
	}
	close(done)

	end := time.Now()
	stats.ActualDuration = end.Sub(start)
	log.Info("stopped.")

	counters, err := gatherCounters(reg)
	if err != nil {
		log.WithError(err).Fatal("failed to gather metrics")
	}

	ts := templateStats{Run: stats, Latencies: latencies, Counters: counters}
	if err := tpl.Execute(os.Stdout, ts); err != nil {
		log.WithError(err).Fatal("template.Execute failed")
	}
}

func getMethod(stats *runStats) string {
	m := stats.Method
	if stats.NMethods > 0 {
		n := rand.Intn(stats.NMethods)
		m += "_" + strconv.Itoa(n)
	}
	return m
}

func runClient(stats *runStats, reg prometheus.Registerer, log logrus.FieldLogger, started chan<- struct{}, stop <-chan struct{}, resLatencies chan<- []time.Duration) {
	var mu sync.Mutex // protects latencies slice
	var latencies []time.Duration

	hc := hubconn.New(stats.Addr, hubconn.WithLogWriter(io.Discard), hubconn.WithRegisterer(reg))
	hc.SetClientConfig(connection.ClientConfig{
		HandshakeTimeout: stats.Timeout,
		WriteTimeout:     stats.Timeout,
	})
	if err := hc.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("Start failed")
	}

	payload := json.RawMessage(stats.Payload)
	var wgResults sync.WaitGroup

	var after time.Duration
	started <- struct{}{}
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-time.After(after):
		}

		wgResults.Add(1)
		atomic.AddInt64(&stats.Calls, 1)
		go func(method string) {
			defer wgResults.Done()

			ctx, cancel := context.WithTimeout(context.Background(), stats.Timeout)
			defer cancel()

			start := time.Now()
			_, err := hc.Invoke(ctx, method, payload)
			switch {
			case err == nil:
				mu.Lock()
				latencies = append(latencies, time.Since(start))
				mu.Unlock()
				atomic.AddInt64(&stats.Res, 1)
			case errors.Is(err, context.DeadlineExceeded):
				atomic.AddInt64(&stats.Exp, 1)
			default:
				atomic.AddInt64(&stats.Err, 1)
			}
		}(getMethod(stats))
		after = stats.Rate
	}
	// wait for sent invocations to return or expire
	wgResults.Wait()

	if err := hc.Stop(context.Background()); err != nil {
		log.WithError(err).Fatal("Stop failed")
	}
	resLatencies <- latencies
}
