package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

// DefaultArchiveCron flushes the decision archive at the top of every hour.
const DefaultArchiveCron = "0 * * * *"

// finalFlushTimeout bounds the flush performed on shutdown.
const finalFlushTimeout = 10 * time.Second

// Archiver flushes buffered decisions to cold storage on a cron schedule.
type Archiver struct {
	archive domain.DecisionArchiver
	cron    parsedCron
	expr    string
	logger  *slog.Logger
}

// NewArchiver validates cronExpr and creates an Archiver.
func NewArchiver(archive domain.DecisionArchiver, cronExpr string, logger *slog.Logger) (*Archiver, error) {
	if cronExpr == "" {
		cronExpr = DefaultArchiveCron
	}
	cron, err := parseCron(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("pipeline: archive cron %q: %w", cronExpr, err)
	}
	return &Archiver{
		archive: archive,
		cron:    cron,
		expr:    cronExpr,
		logger:  logger.With(slog.String("component", "archiver")),
	}, nil
}

// RunCron flushes on every cron match until ctx is cancelled, then performs
// one last flush so buffered decisions survive shutdown.
func (a *Archiver) RunCron(ctx context.Context) error {
	a.logger.Info("archiver cron started", slog.String("cron", a.expr))

	for {
		next, err := a.cron.next(time.Now().UTC())
		if err != nil {
			return err
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			a.finalFlush()
			return ctx.Err()
		case <-timer.C:
			a.flush(ctx)
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	n, err := a.archive.Flush(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive flush failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archive flush complete", slog.Int("count", n))
	}
}

func (a *Archiver) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	a.flush(ctx)
	a.logger.Info("archiver cron stopped")
}

// cronField matches one field of a 5-field cron expression. It supports
// "*", "*/n", single values and comma lists.
type cronField struct {
	wildcard bool
	step     int
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	if f.step > 0 {
		return val%f.step == 0
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step <= 0 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		return cronField{step: step}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds the minute, hour, day-of-month, month and day-of-week
// fields.
type parsedCron [5]cronField

func (c parsedCron) matchesTime(t time.Time) bool {
	return c[0].matches(t.Minute()) &&
		c[1].matches(t.Hour()) &&
		c[2].matches(t.Day()) &&
		c[3].matches(int(t.Month())) &&
		c[4].matches(int(t.Weekday()))
}

var cronFieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

func parseCron(expr string) (parsedCron, error) {
	var c parsedCron
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return c, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	for i, f := range fields {
		parsed, err := parseCronField(f)
		if err != nil {
			return c, fmt.Errorf("parsing %s field: %w", cronFieldNames[i], err)
		}
		c[i] = parsed
	}
	return c, nil
}

// next returns the first minute strictly after 'after' that matches,
// searching up to a year ahead.
func (c parsedCron) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("pipeline: no cron match within one year")
}
