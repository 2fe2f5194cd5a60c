package main

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/throttlekit/throttle/internal/config"
	"github.com/throttlekit/throttle/pkg/throttle"
)

func main() {
	cfg, err := config.Load(config.ResolvePath(""))
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	opts := []throttle.Option[string]{
		throttle.WithBackoffMultiplier[string](cfg.BackoffMultiplier),
		throttle.WithMaxKeys[string](cfg.MaxKeys),
		throttle.WithMetricsCallback[string](func(key string, dec throttle.Decision) {
			if !dec.Allowed {
				log.WithFields(log.Fields{
					"key":      key,
					"attempts": dec.CurrentAttempts,
					"backoff":  dec.BackoffInterval.Seconds(),
				}).Warn("login throttled")
			}
		}),
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		recorder, err := throttle.NewRedisRecorder(client,
			throttle.WithPrefix(cfg.Redis.Prefix),
			throttle.WithTimeout(100*time.Millisecond),
		)
		if err != nil {
			log.WithError(err).Fatal("connect redis recorder")
		}
		opts = append(opts, throttle.WithRecorder[string](recorder))
	}

	windows := make([]throttle.WindowSpec, 0, len(cfg.Windows))
	for _, w := range cfg.Windows {
		windows = append(windows, throttle.WindowSpec{Duration: time.Duration(w.Duration), MaxAttempts: w.MaxAttempts})
	}
	limiter, err := throttle.NewLimiter[string](windows, opts...)
	if err != nil {
		log.WithError(err).Fatal("build limiter")
	}

	pacer, err := throttle.NewPacer[string](cfg.TargetRate,
		throttle.WithRateLimiter[string](limiter),
	)
	if err != nil {
		log.WithError(err).Fatal("build pacer")
	}

	client := throttle.NewClient[string](
		throttle.WithRateLimiter[string](limiter),
		throttle.WithPacer[string](pacer),
	)

	http.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)

		res := client.Acquire(key)
		if !res.CanProceed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", res.RetryAfter.Seconds()))
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintln(w, "too many login attempts")
			return
		}
		if res.Delay > 0 {
			time.Sleep(res.Delay)
		}

		// Stand-in for the real credential check.
		if subtle.ConstantTimeCompare([]byte(r.FormValue("password")), []byte("hunter2")) == 1 {
			client.RecordSuccess(key)
			fmt.Fprintln(w, "welcome")
			return
		}
		client.RecordFailure(key)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, "invalid credentials")
	})

	log.WithField("addr", cfg.Listen).Info("example server listening")
	if err := http.ListenAndServe(cfg.Listen, nil); err != nil {
		log.WithError(err).Fatal("serve")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
