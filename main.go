package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fh/btpair/pkg/api"
	"github.com/fh/btpair/pkg/bluetooth"
	"github.com/fh/btpair/pkg/bluez"
	"github.com/fh/btpair/pkg/btctl"
	"github.com/fh/btpair/pkg/config"
	"github.com/fh/btpair/pkg/console"
	"github.com/fh/btpair/pkg/pairing"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

// backend is what every Bluetooth stack provides to the controller
type backend interface {
	pairing.AdapterService
	pairing.DiscoveryService
	pairing.BondingService
	pairing.StateBroadcast
	Close() error
}

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var logLevel = flag.String("log-level", "", "explicit log level (trace, debug, info, warn, error); overrides -v and -q")

	var backendName = flag.String("backend", config.BackendBlueZ, "Bluetooth stack: bluez, hci or btctl")
	var adapterID = flag.String("adapter", "", "adapter name, e.g. hci0 (default $"+config.AdapterEnv+" or "+config.DefaultAdapter+")")
	var btctlPath = flag.String("bluetoothctl", "", "bluetoothctl binary for the btctl backend")
	var controller = flag.String("controller", "", "controller address selected in bluetoothctl")

	var namePattern = flag.String("name", "", "only offer devices whose name matches this regular expression")
	var serviceUUID = flag.String("service", "", "only offer devices advertising this service UUID")
	var singleDevice = flag.Bool("single", false, "stop scanning at the first matching device")
	var scanWindow = flag.Duration("scan", 10*time.Second, "how long to scan for devices")

	var enablePolicy = flag.String("enable", config.EnableAsk, "when the adapter is off: ask, always or never")
	var chooser = flag.String("chooser", config.ChooserConsole, "who picks the device: console, auto or api")
	var autoAddress = flag.String("pick", "", "device address the auto chooser picks")
	var apiAddr = flag.String("api", "", "API server listen address, e.g. :8080 (disabled if empty)")

	flag.Parse()

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg, err := config.New(config.Config{
		Backend:      *backendName,
		AdapterID:    *adapterID,
		BtctlPath:    *btctlPath,
		Controller:   *controller,
		NamePattern:  *namePattern,
		ServiceUUID:  *serviceUUID,
		SingleDevice: *singleDevice,
		ScanWindow:   *scanWindow,
		EnablePolicy: *enablePolicy,
		Chooser:      *chooser,
		AutoAddress:  *autoAddress,
		APIAddr:      *apiAddr,
		LogLevel:     *logLevel,
	})
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	if cfg.LogLevel != "" {
		level, _ := log.ParseLevel(cfg.LogLevel)
		log.SetLevel(level)
	}

	log.Info("Starting Bluetooth pairing session")
	log.Infof("Backend: %s, adapter: %s", cfg.Backend, cfg.AdapterID)
	log.Infof("Filter: %s, single device: %v", cfg.Filter(), cfg.SingleDevice)

	var server *api.Server
	if cfg.APIAddr != "" {
		server = api.New()
	}

	var term *console.Console
	if cfg.EnablePolicy == config.EnableAsk || cfg.Chooser == config.ChooserConsole {
		term = console.New(os.Stdin, os.Stdout)
	}

	var consent pairing.Consent
	switch cfg.EnablePolicy {
	case config.EnableAlways:
		consent = console.StaticConsent(true)
	case config.EnableNever:
		consent = console.StaticConsent(false)
	default:
		consent = term
	}

	var picker pairing.Picker
	switch cfg.Chooser {
	case config.ChooserAuto:
		picker = console.AutoPicker{Address: cfg.AutoAddress}
	case config.ChooserAPI:
		picker = server
	default:
		picker = term
	}

	b, err := newBackend(cfg, consent, picker)
	if err != nil {
		log.Fatalf("Could not start %s backend: %s", cfg.Backend, err)
	}

	notifier := pairing.MultiNotifier{pairing.LogNotifier{}}
	var observer pairing.Observer
	if server != nil {
		notifier = append(notifier, server)
		observer = server
	}

	ctrl, err := pairing.New(pairing.Config{
		Adapter:      b,
		Discovery:    b,
		Bonding:      b,
		Broadcast:    b,
		Notifier:     notifier,
		Observer:     observer,
		Filter:       cfg.Filter(),
		SingleDevice: cfg.SingleDevice,
	})
	if err != nil {
		log.Fatalf("Could not create pairing session: %s", err)
	}

	if server != nil {
		server.SetSession(ctrl)
		go func() {
			if err := server.Start(cfg.APIAddr); err != nil {
				log.Errorf("API server stopped: %s", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl.Show()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Could not start pairing session: %s", err)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	ctrl.Close()
	if err := b.Close(); err != nil {
		log.Warnf("Closing backend: %s", err)
	}
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnf("Stopping API server: %s", err)
		}
	}
}

func newBackend(cfg *config.Config, consent pairing.Consent, picker pairing.Picker) (backend, error) {
	switch cfg.Backend {
	case config.BackendBlueZ:
		return bluez.New(bluez.Options{
			AdapterID:  cfg.AdapterID,
			Consent:    consent,
			Picker:     picker,
			ScanWindow: cfg.ScanWindow,
		})
	case config.BackendHCI:
		return bluetooth.New(bluetooth.Options{
			AdapterID:  cfg.AdapterID,
			Picker:     picker,
			ScanWindow: cfg.ScanWindow,
		})
	case config.BackendBtctl:
		return btctl.New(btctl.Options{
			Command:    cfg.BtctlPath,
			Controller: cfg.Controller,
			Consent:    consent,
			Picker:     picker,
			ScanWindow: cfg.ScanWindow,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
