// gale-echo is a demo server: it echoes HTTP requests on / and runs a
// WebSocket echo on /ws, with Prometheus metrics on a side listener.
//
// Configuration comes from gale-echo.yaml in the working directory or
// /etc/gale, overridable with GALE_-prefixed environment variables
// (e.g. GALE_ADDR=:9090).
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/galehq/gale/internal/obs"
	"github.com/galehq/gale/web"
	"github.com/galehq/gale/websocket"
)

func main() {
	v := viper.New()
	v.SetConfigName("gale-echo")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gale")
	v.SetEnvPrefix("gale")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("addr", ":8080")
	v.SetDefault("metrics_addr", ":9091")
	v.SetDefault("gzip", true)
	v.SetDefault("read_timeout", "10s")
	v.SetDefault("idle_timeout", "60s")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("trust_x_headers", false)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}

	zl, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := obs.NewZapLogger(zl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	meter := obs.NewPromMeter(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := v.GetString("metrics_addr")
		zl.Info("metrics listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			zl.Error("metrics server failed", zap.Error(err))
		}
	}()

	upgrader := &websocket.Upgrader{Logger: logger}
	srv := &web.Server{
		Addr:          v.GetString("addr"),
		ReadTimeout:   v.GetDuration("read_timeout"),
		IdleTimeout:   v.GetDuration("idle_timeout"),
		EnableGzip:    v.GetBool("gzip"),
		TrustXHeaders: v.GetBool("trust_x_headers"),
		Logger:        logger,
		Meter:         meter,
		Handler: web.HandlerFunc(func(w web.ResponseWriter, r *web.Request) {
			switch r.URL.Path {
			case "/ws":
				wsEcho(upgrader, zl, w, r)
			case "/healthz":
				w.WriteHeader(200)
				_, _ = w.Write([]byte("ok\n"))
			default:
				httpEcho(w, r)
			}
		}),
	}

	errc := make(chan error, 1)
	go func() {
		zl.Info("listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		if err != nil && err != web.ErrServerClosed {
			zl.Fatal("server failed", zap.Error(err))
		}
	case sig := <-sigc:
		zl.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown_timeout"))
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zl.Warn("graceful shutdown incomplete", zap.Error(err))
			_ = srv.Close()
		}
	}
}

func httpEcho(w web.ResponseWriter, r *web.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(200)
	fmt.Fprintf(w, "%s %s %s\n", r.Method, r.RequestURI, r.Proto)
	fmt.Fprintf(w, "host: %s remote: %s scheme: %s\n", r.Host, r.RemoteAddr, r.Scheme)
	fmt.Fprintf(w, "request-id: %s\n", r.RequestID)
	if len(body) > 0 {
		fmt.Fprintf(w, "\n%s", body)
	}
}

func wsEcho(u *websocket.Upgrader, zl *zap.Logger, w web.ResponseWriter, r *web.Request) {
	conn, err := u.Upgrade(w, r)
	if err != nil {
		return
	}
	defer conn.Close(websocket.CloseNormalClosure, "")
	conn.SetReadLimit(1 << 20)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zl.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}
