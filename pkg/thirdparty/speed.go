package thirdparty

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type speedSample struct {
	moment time.Time
	bytes  int
}

// SpeedTracker calculates the speed of a transfer operation
type SpeedTracker struct {
	lock    sync.Mutex
	samples []speedSample
	total   uint64
}

const maxSamples = 10

// NewSpeedTracker creates a new SpeedTracker instance
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		samples: make([]speedSample, 0),
	}
}

// Track records that the passed amount of bytes have been transferred
func (st *SpeedTracker) Track(bytes int) {
	st.lock.Lock()
	defer st.lock.Unlock()

	st.total += uint64(bytes)
	st.samples = append(st.samples, speedSample{
		moment: time.Now(),
		bytes:  bytes,
	})

	l := len(st.samples)
	if l > maxSamples {
		st.samples = st.samples[l-maxSamples:]
	}
}

// Write implements io.Writer so the tracker can be fed from io.Copy.
func (st *SpeedTracker) Write(p []byte) (int, error) {
	st.Track(len(p))
	return len(p), nil
}

// GetSpeed calculates the current transfer speed based on the samples taken through Track()
func (st *SpeedTracker) GetSpeed() float64 {
	st.lock.Lock()
	defer st.lock.Unlock()

	if len(st.samples) < 2 {
		return 0
	}

	bytes := 0
	for _, sample := range st.samples[1:] {
		bytes += sample.bytes
	}

	start := st.samples[0].moment
	end := st.samples[len(st.samples)-1].moment
	if !end.After(start) {
		return 0
	}

	return float64(bytes) / end.Sub(start).Seconds()
}

// Total returns the number of bytes tracked so far.
func (st *SpeedTracker) Total() uint64 {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.total
}

// String renders the total and the current speed, i.e. "12 MB (3.4 MB/s)".
func (st *SpeedTracker) String() string {
	return humanize.Bytes(st.Total()) + " (" + humanize.Bytes(uint64(st.GetSpeed())) + "/s)"
}
