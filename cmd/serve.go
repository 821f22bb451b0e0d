package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/pfeval/internal/i18n"
	"grimm.is/pfeval/internal/metrics"
	"grimm.is/pfeval/internal/ratelimit"
	"grimm.is/pfeval/internal/statsdb"
)

// ServeOptions configures RunServe.
type ServeOptions struct {
	Listen string
	// StatsDB is the rule statistics database; empty disables it.
	StatsDB        string
	SampleInterval time.Duration
	// EvalRate limits GET /eval per client and minute; 0 disables the limit.
	EvalRate int
	Runtime  RuntimeOptions
}

// RunServe loads the rule set and serves metrics and evaluations over HTTP
// until interrupted. SIGHUP reloads the rule set file.
func RunServe(path string, opts ServeOptions) error {
	_, c, err := LoadRules(path)
	if err != nil {
		return err
	}
	rt, err := NewRuntime(c, opts.Runtime)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	sinks := []metrics.SampleSink{metrics.HubSink{Hub: rt.Hub}}
	if opts.StatsDB != "" {
		db, err := statsdb.Open(opts.StatsDB, logger.WithComponent("statsdb"))
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, db)
	}
	if opts.SampleInterval > 0 {
		collector := metrics.NewCollector(logger.WithComponent("metrics"), opts.SampleInterval, rt.Engine, sinks...).
			WithRegistry(rt.Metrics)
		go collector.Start()
		defer collector.Stop()
	}

	var hopts []HandlerOption
	if opts.EvalRate > 0 {
		limiter := ratelimit.NewLimiter(opts.EvalRate, time.Minute, nil)
		go limiter.Run(ctx, time.Minute, 5*time.Minute)
		hopts = append(hopts, WithEvalLimiter(limiter))
	}

	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           i18n.Middleware(NewHandler(rt, path, hopts...)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving", "listen", opts.Listen, "generation", rt.Engine.Active().Generation())
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := rt.Reload(path); err != nil {
					logger.Error("Reload failed, keeping active rule set", "error", err)
				}
				continue
			}
			logger.Info("Shutting down", "signal", sig.String())
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			err := srv.Shutdown(shutdownCtx)
			done()
			return err
		}
	}
}

type handlerOptions struct {
	evalLimiter *ratelimit.Limiter
}

// HandlerOption configures NewHandler.
type HandlerOption func(*handlerOptions)

// WithEvalLimiter rate limits GET /eval per client address.
func WithEvalLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(o *handlerOptions) { o.evalLimiter = l }
}

// NewHandler returns the HTTP API of a runtime. POST /reload reloads path
// and is only registered when path is set.
func NewHandler(rt *Runtime, path string, opts ...HandlerOption) http.Handler {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.Prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /rules", func(w http.ResponseWriter, r *http.Request) {
		p := i18n.GetPrinter(r.Context())
		rs := rt.Engine.Active()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		p.Fprintf(w, "Generation %d committed at %s\n", rs.Generation(), rs.Committed().Format(time.RFC3339))
		p.Fprintf(w, "States: %d, translations: %d\n", rt.States.Len(), rt.Translator.Len())
		w.Write([]byte(renderPF(rt.Compiled(), rs, rt.Tables)))
	})
	mux.HandleFunc("GET /states", func(w http.ResponseWriter, r *http.Request) {
		type stateView struct {
			ID         string    `json:"id"`
			Key        string    `json:"key"`
			Mode       string    `json:"mode"`
			Generation uint64    `json:"generation"`
			Created    time.Time `json:"created"`
			Expires    time.Time `json:"expires"`
			Packets    uint64    `json:"packets"`
			Bytes      uint64    `json:"bytes"`
		}
		entries := rt.States.Entries()
		out := make([]stateView, 0, len(entries))
		for _, e := range entries {
			out = append(out, stateView{
				ID: e.ID, Key: e.Key.String(), Mode: e.Mode.String(), Generation: e.Generation,
				Created: e.Created, Expires: e.Expires, Packets: e.Packets, Bytes: e.Bytes,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})
	var eval http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spec, err := specFromQuery(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		p, err := spec.Packet()
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		d, perr := rt.Engine.Process(p)
		writeJSON(w, http.StatusOK, newEvalResult(p, d, perr))
	})
	if o.evalLimiter != nil {
		eval = o.evalLimiter.Middleware(eval)
	}
	mux.Handle("GET /eval", eval)
	if path != "" {
		mux.HandleFunc("POST /reload", func(w http.ResponseWriter, r *http.Request) {
			if err := rt.Reload(path); err != nil {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]uint64{"generation": rt.Engine.Active().Generation()})
		})
	}
	return mux
}

func specFromQuery(r *http.Request) (PacketSpec, error) {
	q := r.URL.Query()
	spec := PacketSpec{
		Direction: q.Get("dir"),
		Proto:     q.Get("proto"),
		Src:       q.Get("src"),
		Dst:       q.Get("dst"),
		Flags:     q.Get("flags"),
		Iface:     q.Get("iface"),
		Fragment:  q.Get("fragment") == "true",
	}
	for _, f := range []struct {
		name string
		out  *uint16
	}{{"sport", &spec.SrcPort}, {"dport", &spec.DstPort}} {
		if v := q.Get(f.name); v != "" {
			n, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return spec, err
			}
			*f.out = uint16(n)
		}
	}
	if v := q.Get("len"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return spec, err
		}
		spec.Len = n
	}
	return spec, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
