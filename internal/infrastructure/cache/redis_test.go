package cache

import (
	"context"
	"strconv"
	"testing"

	"modledger/internal/config"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatal(err)
	}

	client, err := NewRedis(context.Background(), &config.RedisConfig{Host: mr.Host(), Port: port})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer client.Close()

	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatal(err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("value = %q", got)
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	host := mr.Host()
	port, _ := strconv.Atoi(mr.Port())
	mr.Close()

	if _, err := NewRedis(context.Background(), &config.RedisConfig{Host: host, Port: port}); err == nil {
		t.Fatal("NewRedis succeeded against a closed server")
	}
}
