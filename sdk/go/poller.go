package livestorysdk

import (
	"context"
	"time"
)

const DefaultPollInterval = 10 * time.Second

// Poller fetches the notification summary on an interval and calls
// OnChange whenever its digest differs from the last one seen. The first
// successful poll always fires.
type Poller struct {
	Client   *Client
	Interval time.Duration
	Previews int
	OnChange func(Summary)
	// OnError is called for failed polls; polling continues.
	OnError func(error)

	lastDigest string
	lastSeq    int64
	seen       bool
}

// Poll runs one fetch and reports whether OnChange fired.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	s, err := p.Client.Summary(ctx, p.Previews)
	if err != nil {
		return false, err
	}
	if p.seen && (s.Digest == p.lastDigest || s.Seq < p.lastSeq) {
		return false, nil
	}
	p.seen = true
	p.lastDigest = s.Digest
	p.lastSeq = s.Seq
	if p.OnChange != nil {
		p.OnChange(s)
	}
	return true, nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil && p.OnError != nil {
			p.OnError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
