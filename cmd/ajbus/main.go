package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/danderson/alljoyn"
	"github.com/danderson/alljoyn/router"
	"github.com/kr/pretty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultAddress = "unix:path=/run/alljoyn/bus"

var globalArgs struct {
	Address string `flag:"bus,Bus address to connect to (default $ALLJOYN_BUS_ADDRESS or unix:path=/run/alljoyn/bus)"`
	Names   string `flag:"names,Comma-separated list of bus names to claim"`
	Verbose bool   `flag:"v,Log bus traffic"`
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if globalArgs.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func busAddress() string {
	if globalArgs.Address != "" {
		return globalArgs.Address
	}
	if a := os.Getenv("ALLJOYN_BUS_ADDRESS"); a != "" {
		return a
	}
	return defaultAddress
}

func busConn(ctx context.Context) (*alljoyn.Conn, error) {
	conn := alljoyn.NewConn(alljoyn.Options{Logger: logger()})
	if err := conn.Connect(ctx, busAddress()); err != nil {
		conn.Close()
		return nil, err
	}

	if globalArgs.Names == "" {
		return conn, nil
	}

	for _, n := range strings.Split(globalArgs.Names, ",") {
		claim, err := conn.Claim(ctx, n, alljoyn.ClaimOptions{})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("claiming name %q: %w", n, err)
		}
		go func() {
			for isOwner := range claim.Chan() {
				if isOwner {
					fmt.Printf("acquired name %s\n", n)
				} else {
					fmt.Printf("lost name %s\n", n)
				}
			}
		}()
	}

	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "ajbus",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:     "router",
				Usage:    "router",
				Help:     "Run a bus router.",
				SetFlags: command.Flags(flax.MustBind, &routerArgs),
				Run:      command.Adapt(runRouter),
			},
			{
				Name:  "names",
				Usage: "names",
				Help:  "List names on the bus, and their owners.",
				Run:   command.Adapt(runNames),
			},
			{
				Name:  "introspect",
				Usage: "introspect peer [object-regexp] [interface-regexp]",
				Help: `Print the objects and interfaces of a peer.

All objects reachable from / are listed, along with the full API of
every interface they implement. The optional arguments restrict the
listing to matching object paths and interface names.

Unless explicitly asked for, the listing omits the standard interfaces
that most objects implement:
  org.freedesktop.DBus.Peer
  org.freedesktop.DBus.Properties
  org.freedesktop.DBus.Introspectable
`,
				Run: runIntrospect,
			},
			{
				Name:  "ping",
				Usage: "ping peer",
				Help:  "Ask the router whether a peer is reachable.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:     "watch",
				Usage:    "watch peer...",
				Help:     "Ping peers periodically, and report when they come and go.",
				SetFlags: command.Flags(flax.MustBind, &watchArgs),
				Run:      runWatch,
			},
			{
				Name:  "listen",
				Usage: "listen",
				Help:  "Listen to bus signals, sessionless signals included.",
				Run:   command.Adapt(runListen),
			},
			{
				Name:  "find",
				Usage: "find prefix",
				Help:  "Discover advertised names that start with prefix.",
				Run:   command.Adapt(runFind),
			},
			{
				Name:  "advertise",
				Usage: "advertise name",
				Help:  "Claim and advertise a well-known name until interrupted.",
				Run:   command.Adapt(runAdvertise),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

var routerArgs struct {
	Config  string `flag:"config,Path to the YAML router configuration"`
	Listen  string `flag:"listen,Comma-separated bus addresses to listen on, overriding the configuration"`
	Metrics string `flag:"metrics,Address to serve Prometheus metrics on, such as localhost:9101"`
}

func runRouter(env *command.Env) error {
	var cfg router.Config
	if routerArgs.Config != "" {
		var err error
		if cfg, err = router.LoadConfig(routerArgs.Config); err != nil {
			return err
		}
	}
	if routerArgs.Listen != "" {
		cfg.Listen = strings.Split(routerArgs.Listen, ",")
	}
	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{busAddress()}
	}
	log := logger()
	if !globalArgs.Verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg.Logger = log

	if routerArgs.Metrics != "" {
		reg := prometheus.NewRegistry()
		cfg.Registerer = reg
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		srv := &http.Server{Addr: routerArgs.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", routerArgs.Metrics, "err", err)
			}
		}()
		defer srv.Close()
	}

	r := router.New(cfg)
	log.Info("starting router", "guid", r.GUID(), "listen", cfg.Listen)
	err := r.ListenAndServe(env.Context())
	if errors.Is(err, context.Canceled) {
		fmt.Println("shutdown")
		return nil
	}
	return err
}

func runNames(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	names, err := conn.ListNames(ctx)
	if err != nil {
		return fmt.Errorf("listing bus names: %w", err)
	}
	slices.Sort(names)

	for _, n := range names {
		if strings.HasPrefix(n, ":") || n == alljoyn.BusName {
			fmt.Println(n)
			continue
		}
		queue, err := conn.ListQueuedOwners(ctx, n)
		if err != nil {
			fmt.Printf("%s (getting owners: %v)\n", n, err)
			continue
		}
		fmt.Printf("%s (%s)\n", n, strings.Join(queue, ", "))
	}
	return nil
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("introspect requires a peer.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	args := growTo(env.Args, 3)
	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()

	var out indenter
	prev := alljoyn.ObjectPath("")
	for iface, err := range listInterfaces(ctx, conn.Peer(args[0]), args[1], args[2]) {
		if err != nil {
			out.indent(0)
			out.v(err)
			continue
		}
		if iface.Path != prev {
			out.indent(0)
			out.v(iface.Path)
			prev = iface.Path
		}
		out.indent(1)
		out.v(iface.Description)
	}
	return nil
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	if err := conn.Ping(env.Context(), peer, 5*time.Second); err != nil {
		return fmt.Errorf("pinging %s: %w", peer, err)
	}
	fmt.Printf("%s is alive (%v)\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

var watchArgs struct {
	Interval time.Duration `flag:"interval,default=5s,Time between pings"`
}

type printPings struct{}

func (printPings) DestinationFound(group, dest string) { fmt.Printf("%s: %s is up\n", group, dest) }
func (printPings) DestinationLost(group, dest string)  { fmt.Printf("%s: %s is down\n", group, dest) }

func runWatch(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("watch requires at least one peer.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	p := alljoyn.NewAutoPinger(conn)
	defer p.Close()
	if err := p.AddPingGroup("watch", printPings{}, watchArgs.Interval); err != nil {
		return err
	}
	for _, dest := range env.Args {
		if err := p.AddDestination("watch", dest); err != nil {
			return fmt.Errorf("watching %s: %w", dest, err)
		}
	}
	<-env.Context().Done()
	return nil
}

func runListen(env *command.Env) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	w := conn.Watch()
	defer w.Close()
	if _, err := w.Match(alljoyn.MatchAllSignals()); err != nil {
		return err
	}
	if _, err := w.Match(alljoyn.MatchAllSignals().Sessionless()); err != nil {
		return err
	}
	fmt.Println("Listening for signals...")
	for {
		select {
		case <-env.Context().Done():
			return nil
		case sig := <-w.Chan():
			kind := "Signal"
			if sig.Sessionless {
				kind = "Sessionless signal"
			} else if sig.SessionID != 0 {
				kind = fmt.Sprintf("Session %d signal", sig.SessionID)
			}
			fmt.Printf("%s %s.%s from %s on object %s:\n  %# v\n\n", kind, sig.Interface, sig.Member, sig.Sender, sig.Path, pretty.Formatter(sig.Args))
			if sig.Overflow {
				fmt.Println("OVERFLOW, some signals lost")
			}
		}
	}
}

func runFind(env *command.Env, prefix string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	evs, stop := conn.DiscoveryEvents()
	defer stop()
	if err := conn.FindAdvertisedName(env.Context(), prefix); err != nil {
		return err
	}
	for {
		select {
		case <-env.Context().Done():
			return nil
		case ev := <-evs:
			d, ok := ev.(alljoyn.DiscoveryEvent)
			if !ok {
				continue
			}
			verb := "lost"
			if d.Found {
				verb = "found"
			}
			fmt.Printf("%s %s (transports %#04x)\n", verb, d.Name, uint16(d.Transports))
		}
	}
}

func runAdvertise(env *command.Env, name string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(env.Context(), name, alljoyn.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", name, err)
	}
	if reply != alljoyn.PrimaryOwner && reply != alljoyn.AlreadyOwner {
		return fmt.Errorf("requesting %s: %v", name, reply)
	}
	if err := conn.AdvertiseName(env.Context(), name, alljoyn.TransportAny); err != nil {
		return err
	}
	fmt.Printf("advertising %s as %s\n", name, conn.UniqueName())
	<-env.Context().Done()
	return nil
}
