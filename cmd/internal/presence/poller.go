package presence

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often the sysfs poller rescans.
const DefaultPollInterval = time.Second

// Config is shared by the Poller and the Monitor.
type Config struct {
	SysfsRoot string
	Table     Table
	Interval  time.Duration
	Log       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SysfsRoot == "" {
		c.SysfsRoot = DefaultSysfsRoot
	}
	if c.Table.Empty() {
		c.Table = DefaultTable()
	}
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// Poller rescans sysfs on a fixed interval. It works anywhere sysfs is readable and needs
// no privileges, at the cost of up to one interval of latency.
type Poller struct {
	cfg Config
	t   *tracker
}

func NewPoller(cfg Config, sink Sink) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{cfg: cfg, t: newTracker(sink, cfg.Log)}
}

// Run scans immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.cfg.Log.Info("presence.start", "mode", ModeSysfs, "root", p.cfg.SysfsRoot, "interval", p.cfg.Interval.String(), "table", p.cfg.Table.String())

	p.scan()

	tick := time.NewTicker(p.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			p.scan()
		}
	}
}

func (p *Poller) scan() {
	names, err := Scan(p.cfg.SysfsRoot, p.cfg.Table)
	if err != nil {
		p.cfg.Log.Warn("presence.scan", "err", err)
		return
	}
	p.t.reset(names, "sysfs")
}
