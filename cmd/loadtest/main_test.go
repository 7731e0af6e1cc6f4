package main

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	lat := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(lat, 50))
	assert.Equal(t, time.Duration(10), percentile(lat, 99))
	assert.Equal(t, time.Duration(1), percentile(lat, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestPickOpFollowsMix(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	counts := map[string]int{}
	for range 10000 {
		counts[pickOp(r)]++
	}
	assert.Len(t, counts, len(mix))
	assert.Greater(t, counts["gets"], counts["find"])
	assert.Greater(t, counts["find"], counts["summary"])
}

func TestBuildRequestTargetsSeededRecords(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	iens := []string{"7", "8"}
	for _, m := range mix {
		req := buildRequest(r, m.op, iens)
		assert.Equal(t, "2", req.File)
		if m.op != "find" && m.op != "list" {
			assert.Contains(t, iens, req.IEN)
		}
	}
}
