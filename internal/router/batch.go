package router

// Plan says how a batch read is executed.
type Plan struct {
	Parallel bool
	Workers  int
}

// BatchConfig bounds batch fan-out.
type BatchConfig struct {
	ParallelThreshold int
	Workers           int
}

// PlanBatch decides how to read n records: in parallel across at most
// Workers goroutines once n exceeds the threshold, sequentially otherwise.
func PlanBatch(n int, cfg BatchConfig) Plan {
	if cfg.Workers <= 1 || n <= cfg.ParallelThreshold || n < 2 {
		return Plan{Workers: 1}
	}
	return Plan{Parallel: true, Workers: min(cfg.Workers, n)}
}
