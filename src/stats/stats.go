// Package stats implements the kernel's lightweight counters and the
// pprof-encoded profile exposed through the D_PROF pseudo-device.
package stats

import (
	"bytes"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Counter_t is a statistical counter, safe for concurrent increment.
type Counter_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// Get returns the counter's current value.
func (c *Counter_t) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Registry_t names and exposes a fixed set of kernel counters for the
// D_STAT/D_PROF devices, e.g. page faults, virtqueue kicks, block reads.
type Registry_t struct {
	names    []string
	counters []*Counter_t
}

// NewRegistry builds an empty counter registry.
func NewRegistry() *Registry_t {
	return &Registry_t{}
}

// Add registers a named counter under the given label.
func (r *Registry_t) Add(name string, c *Counter_t) {
	r.names = append(r.names, name)
	r.counters = append(r.counters, c)
}

// Text renders the registry as a plain-text snapshot, used by the
// human-readable D_STAT device.
func (r *Registry_t) Text() string {
	var b bytes.Buffer
	for i, n := range r.names {
		b.WriteString(n)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(r.counters[i].Get(), 10))
		b.WriteString("\n")
	}
	return b.String()
}

// Profile renders the registry as a pprof profile.Profile: one sample per
// counter, value type "count". This backs the D_PROF device, letting a
// host-side pprof client inspect kernel counters the same way it would a
// Go program's heap or CPU profile.
func (r *Registry_t) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "count", Unit: "count"},
		},
		TimeNanos: time.Now().UnixNano(),
	}
	funcs := make(map[string]*profile.Function)
	for i, n := range r.names {
		fn, ok := funcs[n]
		if !ok {
			fn = &profile.Function{
				ID:   uint64(len(p.Function)) + 1,
				Name: n,
			}
			funcs[n] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(p.Location)) + 1,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{r.counters[i].Get()},
		})
	}
	return p
}

// WriteProfile serializes the registry's pprof profile into b, gzip'd per
// the pprof wire format.
func (r *Registry_t) WriteProfile(b *bytes.Buffer) error {
	return r.Profile().Write(b)
}
