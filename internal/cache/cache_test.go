package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

type payload struct {
	Spans     []string `json:"spans"`
	Additions int      `json:"additions"`
}

func setupTestCache(t *testing.T) (*DiffCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := NewDiffCache("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create diff cache: %v", err)
	}
	return c, s
}

func TestPutAndGet(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	in := payload{Spans: []string{"equal:Hello", "insert: world"}, Additions: 1}

	if err := c.Put(ctx, "ver_1", "ver_2", in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out payload
	if err := c.Get(ctx, "ver_1", "ver_2", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Additions != in.Additions || len(out.Spans) != len(in.Spans) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestGetMiss(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	var out payload
	err := c.Get(context.Background(), "ver_x", "ver_y", &out)
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestKeysAreDirectional(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Put(ctx, "ver_1", "ver_2", payload{Additions: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out payload
	if err := c.Get(ctx, "ver_2", "ver_1", &out); !errors.Is(err, ErrMiss) {
		t.Fatalf("reversed pair should miss, got %v", err)
	}
}
