package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/mastercactapus/pld/config"
	"github.com/mastercactapus/pld/machine"
	"github.com/mastercactapus/pld/machine/pld"
	"github.com/mastercactapus/pld/scheduler"
)

func main() {
	log.SetFlags(log.Lshortfile)

	cfgFile := flag.String("config", "pld.json", "Path to the JSON config file.")
	port := flag.String("port", "", "Port path (or name if using SPJS). Connects on startup when set.")
	spjsURL := flag.String("spjs", "", "Websocket URL of an SPJS server to reach the port through.")
	baud := flag.Int("baud", 0, "Baud rate (default from config, 9600).")
	addr := flag.String("addr", "", "Address to bind the HTTP server to.")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatal(err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Serial.Port = *port
		case "spjs":
			cfg.Serial.SPJSURL = *spjsURL
		case "baud":
			cfg.Serial.Baud = *baud
		case "addr":
			cfg.Server.Addr = *addr
		}
	})

	m := machine.NewMachine(
		machine.WithMotionTimeout(config.Duration(cfg.Timing.MotionTimeout)),
		machine.WithPollInterval(config.Duration(cfg.Timing.PollInterval)),
		machine.WithTickInterval(config.Duration(cfg.Timing.TickInterval)),
		machine.WithSettleDelay(config.Duration(cfg.Timing.SettleDelay)),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go m.Run(ctx)

	sched := scheduler.NewScheduler(m)
	sched.Start()
	defer sched.Stop()

	api := newAPI(m, sched, newDialer(cfg.Serial))
	go api.forwardEvents(ctx)

	if cfg.Serial.Port != "" {
		t, err := api.dial(connectRequest{})
		if err != nil {
			log.Println("ERROR: connect:", err)
		} else if err = m.Connect(t); err != nil {
			log.Println("ERROR: connect:", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "*")
			log.Printf("%s %s - %s", req.Method, req.URL.Path, req.RemoteAddr)
			api.ServeHTTP(w, req)
		}),
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Println("Listening on", cfg.Server.Addr)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}

	if err := m.Disconnect(); err != nil {
		log.Println("ERROR: disconnect:", err)
	}
}

// newDialer opens transports using cfg for any field a request leaves empty.
func newDialer(cfg config.SerialConfig) dialFunc {
	return func(req connectRequest) (machine.Transport, error) {
		if req.Port == "" {
			req.Port = cfg.Port
		}
		if req.Baud == 0 {
			req.Baud = cfg.Baud
		}
		if req.SPJSURL == "" {
			req.SPJSURL = cfg.SPJSURL
		}

		opts := []pld.ConnOption{
			pld.WithWriteRate(rate.Limit(*cfg.RateLimit), cfg.RateBurst),
			pld.WithFlushAfter(config.Duration(cfg.FlushAfter)),
		}
		if req.SPJSURL != "" {
			log.Printf("Opening %s via %s", req.Port, req.SPJSURL)
			return pld.DialSPJS(req.SPJSURL, req.Port, req.Baud, opts...), nil
		}
		log.Printf("Opening %s at %d baud", req.Port, req.Baud)
		conn, err := pld.OpenSerial(req.Port, req.Baud, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
