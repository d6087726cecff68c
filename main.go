// Starts an http server to respond to ActivityPub requests.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/onepagepub/onepagepub/server"
	"github.com/onepagepub/onepagepub/server/telemetry"
)

func readConfig(filename string) server.Config {
	cfg := server.Defaults()
	b, err := os.ReadFile(filename)
	if err != nil {
		telemetry.Trace("no config file at [%s], using defaults: %v", filename, err)
		return cfg.ApplyEnv()
	}
	c, err := server.ReadConfig(b)
	if err != nil {
		telemetry.Error(err, "parsing config [%s]", filename)
		return cfg.ApplyEnv()
	}
	return c.ApplyEnv()
}

func main() {
	configFile := flag.String("config", "config.json", "config json file")
	host := flag.String("host", "", "this hostname")
	pubCert := flag.String("cert", "", "public certificate")
	privCert := flag.String("key", "", "private key")
	port := flag.Int("port", 0, "listen port")
	trace := flag.Bool("trace", false, "enable trace logging")

	flag.Parse()

	telemetry.SetTrace(*trace)
	telemetry.Log("starting onepagepub")

	cfg := readConfig(*configFile)
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *pubCert != "" {
		cfg.Certificate = *pubCert
	}
	if *privCert != "" {
		cfg.PrivateKey = *privCert
	}

	svc := server.NewService(cfg)

	go func() {
		if err := svc.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			telemetry.Error(err, "listening")
		}
	}()

	// Wait for ^C
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	<-c
	telemetry.Log("stopping onepagepub")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*60)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		telemetry.Error(err, "shutting down")
	}
	telemetry.Log("stopped onepagepub cleanly")
}
