package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLedger keeps quota state in process, for single-instance deployments.
type LocalLedger struct {
	mu     sync.Mutex
	owners map[string]*ownerLedger
	ttl    time.Duration
	now    func() time.Time
}

type ownerLedger struct {
	mu           sync.Mutex
	used         int64
	reservations map[string]localReservation
}

type localReservation struct {
	bytes     int64
	expiresAt time.Time
}

func NewLocalLedger(ttl time.Duration) *LocalLedger {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &LocalLedger{owners: make(map[string]*ownerLedger), ttl: ttl, now: time.Now}
}

func (l *LocalLedger) owner(ownerID string) *ownerLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.owners[ownerID]
	if !ok {
		o = &ownerLedger{reservations: make(map[string]localReservation)}
		l.owners[ownerID] = o
	}
	return o
}

// reserved must be called with o.mu held.
func (o *ownerLedger) reserved(now time.Time) int64 {
	var total int64
	for id, r := range o.reservations {
		if !r.expiresAt.After(now) {
			delete(o.reservations, id)
			continue
		}
		total += r.bytes
	}
	return total
}

func (l *LocalLedger) Reserve(_ context.Context, ownerID string, n, ceiling int64) (*Reservation, error) {
	if n < 0 {
		return nil, ErrInvalidAmount
	}
	o := l.owner(ownerID)
	o.mu.Lock()
	defer o.mu.Unlock()
	now := l.now()
	if ceiling > 0 && o.used+o.reserved(now)+n > ceiling {
		return nil, ErrQuotaExceeded
	}
	id := uuid.NewString()
	o.reservations[id] = localReservation{bytes: n, expiresAt: now.Add(l.ttl)}
	return &Reservation{ID: id, OwnerID: ownerID, Bytes: n}, nil
}

func (l *LocalLedger) Commit(_ context.Context, res *Reservation) error {
	if res == nil {
		return ErrReservationExpired
	}
	o := l.owner(res.OwnerID)
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.reservations[res.ID]
	if !ok || !r.expiresAt.After(l.now()) {
		delete(o.reservations, res.ID)
		return ErrReservationExpired
	}
	delete(o.reservations, res.ID)
	o.used += r.bytes
	return nil
}

func (l *LocalLedger) Release(_ context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	o := l.owner(res.OwnerID)
	o.mu.Lock()
	delete(o.reservations, res.ID)
	o.mu.Unlock()
	return nil
}

func (l *LocalLedger) Free(_ context.Context, ownerID string, n int64) error {
	if n < 0 {
		return ErrInvalidAmount
	}
	o := l.owner(ownerID)
	o.mu.Lock()
	o.used -= n
	if o.used < 0 {
		o.used = 0
	}
	o.mu.Unlock()
	return nil
}

func (l *LocalLedger) Usage(_ context.Context, ownerID string) (Usage, error) {
	o := l.owner(ownerID)
	o.mu.Lock()
	defer o.mu.Unlock()
	return Usage{Used: o.used, Reserved: o.reserved(l.now())}, nil
}

func (l *LocalLedger) Set(_ context.Context, ownerID string, used int64) error {
	if used < 0 {
		return ErrInvalidAmount
	}
	o := l.owner(ownerID)
	o.mu.Lock()
	o.used = used
	o.mu.Unlock()
	return nil
}
