package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the process-wide connectivity state.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Event is an edge: the state the monitor just became.
type Event struct {
	State State
	At    time.Time
}

// BecameOnline reports whether the event is an Offline to Online edge.
func (e Event) BecameOnline() bool { return e.State == Online }

const (
	DefaultConfirmations = 2
	DefaultInterval      = 10 * time.Second
	DefaultProbeTimeout  = 3 * time.Second

	subscriberBuffer = 16
)

// Monitor debounces reachability observations into transition events.
type Monitor struct {
	prober        Prober
	confirmations int
	interval      time.Duration
	probeTimeout  time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu        sync.Mutex
	state     State
	candidate State
	streak    int
	subs      map[int]chan Event
	nextSub   int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithConfirmations sets how many consecutive identical observations are
// needed before the state changes. Values below 1 are treated as 1.
func WithConfirmations(n int) Option {
	return func(m *Monitor) {
		if n < 1 {
			n = 1
		}
		m.confirmations = n
	}
}

// WithInterval sets the probe interval used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.probeTimeout = d }
}

// WithNow sets the time source used to stamp events.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor in the Offline state. prober may be nil when
// observations are fed exclusively through Observe or Set.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:        prober,
		confirmations: DefaultConfirmations,
		interval:      DefaultInterval,
		probeTimeout:  DefaultProbeTimeout,
		now:           time.Now,
		logger:        slog.Default(),
		state:         Offline,
		candidate:     Offline,
		subs:          make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current debounced state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the current state is Online.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Subscribe returns a channel of transition events and a function that
// unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Observe feeds one raw reachability observation. It returns the event and
// true when the observation completed a transition.
func (m *Monitor) Observe(reachable bool) (Event, bool) {
	obs := Offline
	if reachable {
		obs = Online
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if obs == m.state {
		m.streak = 0
		return Event{}, false
	}
	if obs == m.candidate && m.streak > 0 {
		m.streak++
	} else {
		m.candidate = obs
		m.streak = 1
	}
	if m.streak < m.confirmations {
		return Event{}, false
	}
	return m.transitionLocked(obs), true
}

// Set applies an authoritative state (for example an operating-system
// network event) without debouncing. Returns the event and true if the
// state changed.
func (m *Monitor) Set(s State) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == m.state {
		m.streak = 0
		return Event{}, false
	}
	return m.transitionLocked(s), true
}

func (m *Monitor) transitionLocked(s State) Event {
	m.state = s
	m.candidate = s
	m.streak = 0
	ev := Event{State: s, At: m.now()}
	m.logger.Info("connectivity changed", "state", s.String())
	for _, ch := range m.subs {
		deliver(ch, ev)
	}
	return ev
}

// deliver sends without blocking, evicting the oldest buffered event when
// the subscriber is full.
func deliver(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Check runs one probe and feeds the result to Observe.
func (m *Monitor) Check(ctx context.Context) (Event, bool) {
	if m.prober == nil {
		return Event{}, false
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := m.prober.Probe(pctx)
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
	}
	return m.Observe(err == nil)
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
