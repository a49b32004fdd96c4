package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/MrEthical07/mailauth"
	"github.com/MrEthical07/mailauth/internal/addresses"
	"github.com/MrEthical07/mailauth/password"
	"github.com/MrEthical07/mailauth/store"
	"github.com/MrEthical07/mailauth/store/memstore"
)

const (
	seedPassword = "correct-password-123"
	seedDomain   = "example.com"
)

func main() {
	_ = godotenv.Load()

	var (
		accounts    = flag.Int("accounts", 10000, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "authentication attempts to run")
		rps         = flag.Float64("rps", 0, "attempts per second across all workers; 0 is unpaced")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		memoryKB    = flag.Uint("argon-memory", 8192, "argon2id memory in KB for seeded hashes")
		logFormat   = flag.String("log-format", "text", "log format: text or json")
	)
	flag.Parse()

	logger := newLogger(*logFormat)
	if *accounts <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "accounts, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		logger.Info("using miniredis", "addr", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		logger.Info("using redis", "addr", addr)
	}
	defer cleanup()

	cfg := mailauth.DefaultConfig()
	cfg.Password.Memory = uint32(*memoryKB)
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.RateLimit.IPMaxFailures = 1 << 20
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true

	records := memstore.New()
	users, err := seed(records, cfg.Password, *accounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	engine, err := mailauth.New().
		WithConfig(cfg).
		WithRedis(client).
		WithRecordStore(records).
		WithLogger(logger).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	var limiter *rate.Limiter
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), *concurrency)
	}

	stats := run(ctx, engine, limiter, users, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("authenticate", stats)
	for kind, n := range stats.outcomes {
		if n > 0 {
			fmt.Printf("  %-28s %d\n", mailauth.OutcomeKind(kind).String(), n)
		}
	}
	snap := engine.MetricsSnapshot()
	fmt.Printf("  rate limiter degraded: %d\n", snap.Counters[mailauth.MetricRateLimiterDegraded])
}

func newLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// seed writes n accounts sharing one precomputed hash.
func seed(records *memstore.Store, cfg mailauth.PasswordConfig, n int) ([]string, error) {
	hasher, err := password.New(password.Config{
		Memory:      cfg.Memory,
		Time:        cfg.Time,
		Parallelism: cfg.Parallelism,
		SaltLength:  cfg.SaltLength,
		KeyLength:   cfg.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(seedPassword)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	users := make([]string, n)
	for i := range n {
		id := uuid.NewString()
		username := fmt.Sprintf("user%d", i)
		address := username + "@" + seedDomain
		records.PutAccount(store.Account{
			ID:           id,
			Username:     username,
			UsernameView: addresses.UsernameView(username),
			Address:      address,
			PasswordHash: hash,
			AuthVersion:  1,
		})
		records.PutAddress(store.Address{ID: uuid.NewString(), View: address, AccountID: id})
		users[i] = address
	}
	fmt.Printf("seeded %d accounts in %s\n", n, time.Since(start).Round(time.Millisecond))
	return users, nil
}

type runStats struct {
	total    time.Duration
	ops      int
	errors   int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
	outcomes [8]int64
}

// run drives ops attempts: seven in ten succeed, two use a wrong password and
// one names an unknown user.
func run(ctx context.Context, engine *mailauth.Engine, limiter *rate.Limiter, users []string, ops, concurrency int) runStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		outcomes  [8]atomic.Int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
				}

				identifier := users[r.Intn(len(users))]
				secret := seedPassword
				switch i % 10 {
				case 7, 8:
					secret = "wrong-password"
				case 9:
					identifier = fmt.Sprintf("nobody%d@%s", r.Intn(1000), seedDomain)
				}
				meta := mailauth.Meta{
					IP:       fmt.Sprintf("10.%d.%d.%d", r.Intn(256), r.Intn(256), r.Intn(256)),
					Protocol: "imap",
				}

				t0 := time.Now()
				out, err := engine.Authenticate(ctx, identifier, secret, "", meta)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				} else if int(out.Kind) < len(outcomes) {
					outcomes[out.Kind].Add(1)
				}

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	s := computeStats(time.Since(start), latencies, failures)
	for i := range outcomes {
		s.outcomes[i] = outcomes[i].Load()
	}
	return s
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) runStats {
	if len(samples) == 0 {
		return runStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return runStats{
		total:   total,
		ops:     len(samples),
		errors:  failures,
		p50:     percentile(samples, 50),
		p95:     percentile(samples, 95),
		p99:     percentile(samples, 99),
		opsPerS: float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s runStats) {
	fmt.Printf("%s: ops=%d errors=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.errors,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
