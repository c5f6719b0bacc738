// Package txnumber assigns human-readable, per-day sequential transaction
// numbers of the form TXNYYYYMMDD000123.
package txnumber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/retailpos/internal/domain"
	"kasirinaja/retailpos/internal/metrics"
)

const (
	Prefix             = "TXN"
	DefaultMaxAttempts = 5
	maxSequence        = 999999
)

type SequenceSource interface {
	MaxDailySequence(ctx context.Context, prefix string) (int, error)
}

type Generator struct {
	source      SequenceSource
	location    *time.Location
	maxAttempts int
	now         func() time.Time
	log         *logrus.Entry
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(g *Generator) { g.log = log.WithField("component", "txnumber") }
}

func New(source SequenceSource, location *time.Location, opts ...Option) *Generator {
	if location == nil {
		location = time.UTC
	}
	g := &Generator{
		source:      source,
		location:    location,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         logrus.NewEntry(logrus.StandardLogger()).WithField("component", "txnumber"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DailyPrefix is the number prefix for the store-local date of t.
func (g *Generator) DailyPrefix(t time.Time) string {
	return Prefix + t.In(g.location).Format("20060102")
}

// Assign picks the next number for today and hands it to persist. When
// persist reports domain.ErrDuplicate the next sequence is tried; once the
// attempts are spent a timestamp-derived number is used. Any other persist
// error is returned as-is.
func (g *Generator) Assign(ctx context.Context, persist func(number string) error) (string, error) {
	now := g.now()
	prefix := g.DailyPrefix(now)

	highest, err := g.source.MaxDailySequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("%w: read daily sequence: %w", domain.ErrPersistence, err)
	}

	next := highest + 1
	for attempt := 0; attempt < g.maxAttempts && next <= maxSequence; attempt++ {
		number := fmt.Sprintf("%s%06d", prefix, next)
		err := persist(number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, domain.ErrDuplicate) {
			return "", err
		}
		metrics.NumberCollisions.Inc()
		next++
	}

	number := Fallback(prefix, now)
	g.log.WithField("number", number).Warn("daily sequence contended, using timestamp number")
	if err := persist(number); err != nil {
		return "", err
	}
	return number, nil
}

// Fallback derives a number that cannot collide with the sequential form.
func Fallback(prefix string, t time.Time) string {
	return prefix + "-" + strconv.FormatInt(t.UnixNano(), 36)
}
