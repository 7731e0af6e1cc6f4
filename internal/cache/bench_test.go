package cache

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func BenchmarkGetHit(b *testing.B) {
	c := New[string]("records", 1024, time.Minute)
	ctx := context.Background()
	for i := range 1024 {
		c.Set(ctx, "2:"+strconv.Itoa(i), "SMITH,JOHN", 0)
	}
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(ctx, "2:"+strconv.Itoa(i%1024))
			i++
		}
	})
}

func BenchmarkSetEvicting(b *testing.B) {
	c := New[string]("records", 256, time.Minute)
	ctx := context.Background()
	b.ReportAllocs()
	i := 0
	for b.Loop() {
		c.Set(ctx, strconv.Itoa(i), "v", 0)
		i++
	}
}

func BenchmarkGetOrComputeShared(b *testing.B) {
	c := New[int]("searches", 16, time.Minute)
	ctx := context.Background()
	compute := func(context.Context) (int, error) { return 42, nil }
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.GetOrCompute(ctx, "find:2:B:SMITH", 0, compute)
		}
	})
}
