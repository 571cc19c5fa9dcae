package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHandler_HooksRunInReverseOrder(t *testing.T) {
	h := NewHandler(time.Second)

	var order []int
	h.OnShutdown(func(context.Context) error {
		order = append(order, 1)
		return nil
	})
	h.OnShutdown(func(context.Context) error {
		order = append(order, 2)
		return nil
	})

	go h.Trigger()
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("hook order = %v, want [2 1]", order)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Done channel should be closed after Wait returns")
	}
}

func TestHandler_ReturnsLastError(t *testing.T) {
	h := NewHandler(time.Second)

	wantErr := errors.New("close failed")
	h.OnShutdown(func(context.Context) error { return wantErr })
	h.OnShutdown(func(context.Context) error { return nil })

	go h.Trigger()
	if err := h.Wait(); err != wantErr {
		t.Fatalf("Wait err = %v, want %v", err, wantErr)
	}
}

func TestHandler_TriggerIsIdempotent(t *testing.T) {
	h := NewHandler(time.Second)
	h.Trigger()
	h.Trigger() // must not panic

	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
