package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestStatusRecordGuardFirstSeen(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	guard, err := NewStatusRecordGuard(rdb)
	if err != nil {
		t.Fatalf("NewStatusRecordGuard() error = %v", err)
	}

	ctx := context.Background()
	pending := []byte(`{"messageStatus":"PENDING","totalMessagePrice":0.003}`)

	fresh, err := guard.FirstSeen(ctx, "n1", pending, time.Hour)
	if err != nil || !fresh {
		t.Fatalf("FirstSeen() = %v, %v; want true, nil", fresh, err)
	}
	if fresh, _ := guard.FirstSeen(ctx, "n1", pending, time.Hour); fresh {
		t.Fatal("FirstSeen() = true for a replayed body, want false")
	}
	if fresh, _ := guard.FirstSeen(ctx, "n2", pending, time.Hour); !fresh {
		t.Fatal("FirstSeen() = false for another notification, want true")
	}
	if fresh, _ := guard.FirstSeen(ctx, "n1", []byte(`{"messageStatus":"DELIVERED"}`), time.Hour); !fresh {
		t.Fatal("FirstSeen() = false for a different body, want true")
	}

	if err := guard.Forget(ctx, "n1", pending); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if fresh, _ := guard.FirstSeen(ctx, "n1", pending, time.Hour); !fresh {
		t.Fatal("FirstSeen() = false after Forget(), want true")
	}

	mr.FastForward(2 * time.Hour)
	if mr.Exists(StatusRecordKey("n2", pending)) {
		t.Fatal("status record mark should expire")
	}
}

func TestStatusRecordGuardRejectsBlankID(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
	})

	guard, err := NewStatusRecordGuard(rdb)
	if err != nil {
		t.Fatalf("NewStatusRecordGuard() error = %v", err)
	}
	if _, err := guard.FirstSeen(context.Background(), " ", []byte("x"), time.Hour); err == nil {
		t.Fatal("FirstSeen() with blank id should fail")
	}
	if _, err := NewStatusRecordGuard(nil); err == nil {
		t.Fatal("NewStatusRecordGuard(nil) should fail")
	}
}
