package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	requestsapi "github.com/BearBump/ParcelDesk/internal/api/requests_api"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type parcelAPIOpts struct {
	httpAddr    string
	swaggerPath string

	onListen func(httpAddr string)
}

func runParcelAPI(ctx context.Context, opts parcelAPIOpts, svc requestsapi.Service) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	requestsapi.New(svc).Routes(r)

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
