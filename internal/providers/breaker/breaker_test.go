package breaker

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var (
	errPermanent = errors.New("invalid_grant")
	errTransient = errors.New("503")
)

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	cb := New("test", func(err error) bool { return errors.Is(err, errPermanent) }, zerolog.Nop())

	for i := 0; i < 6; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errTransient })
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return "unreachable", nil })
	if !Rejected(err) {
		t.Errorf("Rejected(%v) = false, want true", err)
	}
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	cb := New("test", func(err error) bool { return errors.Is(err, errPermanent) }, zerolog.Nop())

	for i := 0; i < 20; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errPermanent })
		if !errors.Is(err, errPermanent) {
			t.Fatalf("Execute() error = %v, want the provider error", err)
		}
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}
