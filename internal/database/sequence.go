package database

import (
	"context"
	"fmt"
	"strings"
)

// SequenceEmulator provides named monotonically increasing counters on a
// backend without native sequences, using the SEQUENCES table.
//
// Next performs the increment and returns a query reading the new value.
// Because that query is already a complete statement, the connection's
// next expression format must be the bare "%s"; onNext arms that.
type SequenceEmulator struct {
	sess   *session
	onNext func()
}

func newSequenceEmulator(sess *session, onNext func()) *SequenceEmulator {
	return &SequenceEmulator{sess: sess, onNext: onNext}
}

// Create defines name so that its first Next yields start.
func (s *SequenceEmulator) Create(ctx context.Context, name string, start int64) error {
	_, err := s.sess.exec(ctx,
		"INSERT OR REPLACE INTO SEQUENCES (NAME, SEQ_VAL) VALUES (?, ?)", sequenceName(name), start-1)
	if err != nil {
		return fmt.Errorf("failed to create sequence %s: %w", name, err)
	}
	return nil
}

// Next increments name, creating it at zero if needed, and returns the
// expression that reads the incremented value.
func (s *SequenceEmulator) Next(ctx context.Context, name string) (string, error) {
	name = sequenceName(name)
	if _, err := s.sess.exec(ctx,
		"INSERT OR IGNORE INTO SEQUENCES (NAME, SEQ_VAL) VALUES (?, 0)", name); err != nil {
		return "", fmt.Errorf("failed to create sequence %s: %w", name, err)
	}
	if _, err := s.sess.exec(ctx,
		"UPDATE SEQUENCES SET SEQ_VAL = SEQ_VAL + 1 WHERE NAME = ?", name); err != nil {
		return "", fmt.Errorf("failed to increment sequence %s: %w", name, err)
	}
	if s.onNext != nil {
		s.onNext()
	}
	return fmt.Sprintf("SELECT SEQ_VAL FROM SEQUENCES WHERE NAME = '%s'", strings.ReplaceAll(name, "'", "''")), nil
}

// Drop removes name. Dropping an unknown sequence succeeds.
func (s *SequenceEmulator) Drop(ctx context.Context, name string) error {
	if _, err := s.sess.exec(ctx, "DELETE FROM SEQUENCES WHERE NAME = ?", sequenceName(name)); err != nil {
		return fmt.Errorf("failed to drop sequence %s: %w", name, err)
	}
	return nil
}

func sequenceName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
