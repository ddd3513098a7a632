package database

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"desdbi/internal/metrics"
)

// DefaultSemaphorePoll is how long SEM_WAIT sleeps between attempts.
const DefaultSemaphorePoll = 5 * time.Second

// Slot receives the semaphore slot granted by SEM_WAIT and identifies it to
// SEM_SIGNAL. It is also the out-parameter type for backend procedures.
type Slot struct {
	Value int64
	Valid bool
}

// ProcedureEmulator implements the stored procedures callers rely on for a
// backend that has none.
type ProcedureEmulator struct {
	sess *session

	// FailFast makes SEM_WAIT return ErrSemaphoreExhausted instead of
	// waiting for a free slot.
	FailFast     bool
	PollInterval time.Duration
	Logger       log.FieldLogger
}

func newProcedureEmulator(sess *session, logger log.FieldLogger) *ProcedureEmulator {
	return &ProcedureEmulator{sess: sess, PollInterval: DefaultSemaphorePoll, Logger: logger}
}

// Call dispatches a procedure by name.
func (p *ProcedureEmulator) Call(ctx context.Context, name string, args ...any) error {
	switch {
	case name == "createObjectsTable":
		if len(args) < 3 {
			return &ArgumentError{Op: name, Msg: "expected table, schema and source table"}
		}
		stmt := fmt.Sprintf("CREATE TABLE %v AS SELECT * FROM %v WHERE 0=1", args[0], args[2])
		if _, err := p.sess.exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %v: %w", args[0], err)
		}
		return nil
	case name == "pMergeObjects" || strings.HasSuffix(name, ".pMergeObjects"):
		return nil
	case name == "SEM_WAIT":
		sem, slot, err := semaphoreArgs(name, args)
		if err != nil {
			return err
		}
		return p.wait(ctx, sem, slot)
	case name == "SEM_SIGNAL":
		sem, slot, err := semaphoreArgs(name, args)
		if err != nil {
			return err
		}
		return p.signal(ctx, sem, slot)
	case name == "SEM_DEQUEUE":
		_, slot, err := semaphoreArgs(name, args)
		if err != nil {
			return err
		}
		*slot = Slot{}
		return nil
	}
	return &UnknownProcedureError{Name: name}
}

func semaphoreArgs(op string, args []any) (string, *Slot, error) {
	if len(args) != 2 {
		return "", nil, &ArgumentError{Op: op, Msg: "expected semaphore name and slot"}
	}
	sem, ok := args[0].(string)
	if !ok {
		return "", nil, &ArgumentError{Op: op, Msg: fmt.Sprintf("semaphore name must be a string, got %T", args[0])}
	}
	slot, ok := args[1].(*Slot)
	if !ok || slot == nil {
		return "", nil, &ArgumentError{Op: op, Msg: fmt.Sprintf("slot must be a *Slot, got %T", args[1])}
	}
	return sem, slot, nil
}

// wait takes the lowest free slot of sem, polling until one frees up. Only
// ctx bounds the wait.
func (p *ProcedureEmulator) wait(ctx context.Context, sem string, slot *Slot) error {
	for {
		rs, err := p.sess.query(ctx,
			"SELECT SLOT FROM SEMLOCK WHERE NAME = ? AND IN_USE = 0 ORDER BY SLOT LIMIT 1", sem)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to query semaphore %s: %w", sem, err)
		}
		if len(rs.rows) > 0 {
			id, err := toInt64(rs.rows[0][0])
			if err != nil {
				return err
			}
			if _, err := p.sess.exec(ctx,
				"UPDATE SEMLOCK SET IN_USE = 1 WHERE NAME = ? AND SLOT = ?", sem, id); err != nil {
				return fmt.Errorf("failed to take semaphore %s: %w", sem, err)
			}
			*slot = Slot{Value: id, Valid: true}
			return nil
		}

		metrics.SemaphoreWaitsTotal.WithLabelValues(sem).Inc()
		if p.FailFast {
			return ErrSemaphoreExhausted
		}
		p.Logger.WithFields(log.Fields{"semaphore": sem, "poll": p.PollInterval}).Debug("no free semaphore slot, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.PollInterval):
		}
	}
}

func (p *ProcedureEmulator) signal(ctx context.Context, sem string, slot *Slot) error {
	if !slot.Valid {
		return &ArgumentError{Op: "SEM_SIGNAL", Msg: "slot was not granted"}
	}
	if _, err := p.sess.exec(ctx,
		"UPDATE SEMLOCK SET IN_USE = 0 WHERE NAME = ? AND SLOT = ?", sem, slot.Value); err != nil {
		return fmt.Errorf("failed to release semaphore %s: %w", sem, err)
	}
	return nil
}

// AddSemaphoreSlots seeds sem with n free slots numbered from 1.
func (p *ProcedureEmulator) AddSemaphoreSlots(ctx context.Context, sem string, n int) error {
	for i := 1; i <= n; i++ {
		if _, err := p.sess.exec(ctx,
			"INSERT OR REPLACE INTO SEMLOCK (NAME, SLOT, IN_USE) VALUES (?, ?, 0)", sem, i); err != nil {
			return fmt.Errorf("failed to seed semaphore %s: %w", sem, err)
		}
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(n)), 10, 64)
	case fmt.Stringer:
		return strconv.ParseInt(strings.TrimSpace(n.String()), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to an integer", v)
}
