package fabcq

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fabwork/go-fabcq/internal/backoff"
	"github.com/fabwork/go-fabcq/internal/logging"
)

// DefaultMaxCQEntries is the depth ceiling used when the domain config
// does not set one.
const DefaultMaxCQEntries = 65535

// DomainConfig configures a Domain. All fields are optional; zero values
// select defaults (no resolver, no queue factory, default logger, default
// backoff tuning).
type DomainConfig struct {
	// Name identifies the domain in log output
	Name string

	// MaxCQEntries caps CQ depth; zero selects DefaultMaxCQEntries
	MaxCQEntries int

	// Resolver maps wire source addresses to handles for ReadFrom.
	// Without one, every address slot reports AddrUnavailable.
	Resolver AddressResolver

	// Queues backs Domain.CreateQueue; without one, queue creation
	// reports Unsupported and callers bind queues they built themselves
	Queues QueueFactory

	// Logger for domain and CQ events; nil selects the package default
	Logger *logging.Logger

	// Poller paces blocking reads; nil selects the default backoff tuning
	Poller *backoff.Poller

	// Observer receives operational events; nil selects NoOpObserver
	Observer Observer
}

// Domain owns the CQs and drives cooperative progress. It has no threads
// of its own: progress runs on whichever application thread calls into a
// soft-mode read or invokes Progress directly.
type Domain struct {
	cfg  DomainConfig
	log  *logging.Logger
	obs  Observer
	wait *backoff.Poller

	nextCQ atomic.Uint64

	// mu guards the hardware post/poll path during a progress sweep. It
	// does not protect any CQ's ring; per-CQ access stays single-threaded.
	mu       sync.Mutex
	progress []*HardQueueBinding
}

// NewDomain creates a domain from the given configuration.
func NewDomain(cfg DomainConfig) *Domain {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	if cfg.Name != "" {
		log = log.WithDomain(cfg.Name)
	}

	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	wait := cfg.Poller
	if wait == nil {
		wait = backoff.New()
	}

	if cfg.MaxCQEntries <= 0 {
		cfg.MaxCQEntries = DefaultMaxCQEntries
	}

	return &Domain{
		cfg:  cfg,
		log:  log,
		obs:  obs,
		wait: wait,
	}
}

// MaxCQEntries returns the domain's CQ depth ceiling.
func (d *Domain) MaxCQEntries() int {
	return d.cfg.MaxCQEntries
}

func (d *Domain) resolver() AddressResolver {
	return d.cfg.Resolver
}

func (d *Domain) poller() *backoff.Poller {
	return d.wait
}

// OpenCQ creates a completion queue in hard mode. Depth zero defaults to
// the domain maximum; a depth beyond the maximum is rejected. Only
// WaitNone is supported, and an unspecified format becomes FormatContext.
func (d *Domain) OpenCQ(attr Attr) (*CQ, error) {
	if attr.WaitObj != WaitNone {
		return nil, NewError("OPEN_CQ", CodeUnsupported, "wait objects not supported")
	}
	if attr.Depth < 0 {
		return nil, NewError("OPEN_CQ", CodeInvalidArgument, "negative CQ depth")
	}
	if attr.Depth == 0 {
		attr.Depth = d.cfg.MaxCQEntries
	}
	if attr.Depth > d.cfg.MaxCQEntries {
		return nil, NewError("OPEN_CQ", CodeInvalidArgument,
			fmt.Sprintf("depth %d exceeds domain maximum %d", attr.Depth, d.cfg.MaxCQEntries))
	}
	if attr.Format == FormatUnspec {
		attr.Format = FormatContext
	}
	if attr.Format > FormatData {
		return nil, NewError("OPEN_CQ", CodeUnsupported,
			fmt.Sprintf("unknown entry format %d", attr.Format))
	}

	id := d.nextCQ.Add(1)
	cq := &CQ{
		domain:   d,
		id:       id,
		attr:     attr,
		log:      d.log.WithCQ(id),
		observer: d.obs,
		mode:     modeHard,
	}
	cq.hard = &hardCQ{cq: cq}
	cq.ops = cq.hard

	cq.log.Debug("CQ opened", "format", attr.Format.String(), "depth", attr.Depth)
	return cq, nil
}

// CreateQueue builds a hardware queue through the configured factory.
func (d *Domain) CreateQueue(depth int) (HardwareQueue, error) {
	if d.cfg.Queues == nil {
		return nil, NewError("CREATE_QUEUE", CodeUnsupported, "domain has no queue factory")
	}
	q, err := d.cfg.Queues.NewQueue(depth)
	if err != nil {
		return nil, WrapError("CREATE_QUEUE", err)
	}
	return q, nil
}

// Progress runs one sweep over every registered soft binding, pumping
// pending hardware completions into their rings. Soft-mode reads call this
// before scanning; applications may also call it directly so completions
// are not stranded while nothing is polling.
func (d *Domain) Progress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.progress {
		b.pump()
	}
	d.obs.ObserveProgress()
}

func (d *Domain) registerProgress(b *HardQueueBinding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progress = append(d.progress, b)
}

func (d *Domain) unregisterProgress(b *HardQueueBinding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, reg := range d.progress {
		if reg == b {
			d.progress = append(d.progress[:i], d.progress[i+1:]...)
			return
		}
	}
}
