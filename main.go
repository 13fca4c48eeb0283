// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The soulchat command is a terminal chat client for the SoulCare messaging
// backend.
//
// It keeps the conversation list and the history of the open conversation in
// sync with the backend over its REST API and live channels, and caches both
// locally so that they are available immediately on the next start.
package main // import "soulcare.app/soulchat"

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/joho/godotenv"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/time/rate"

	"soulcare.app/soulchat/internal/api"
	"soulcare.app/soulchat/internal/chatsync"
	"soulcare.app/soulchat/internal/client"
	"soulcare.app/soulchat/internal/logwriter"
	"soulcare.app/soulchat/internal/session"
	"soulcare.app/soulchat/internal/storage"
	"soulcare.app/soulchat/internal/ui"
)

const (
	appName = "soulchat"
)

// Set at build time while linking.
var (
	Version = "devel"
	Commit  = "unknown commit"
)

func printHelp(flags *flag.FlagSet, w io.Writer) {
	flags.SetOutput(w)
	fmt.Fprint(w, `Usage of soulchat:

`)
	flags.PrintDefaults()
}

func main() {
	earlyLogs := &bytes.Buffer{}
	logger := log.New(io.MultiWriter(os.Stderr, earlyLogs), "", log.LstdFlags)
	debug := log.New(io.Discard, "DEBUG ", log.LstdFlags)
	recvLog := log.New(io.Discard, "RECV ", log.LstdFlags)
	sentLog := log.New(io.Discard, "SENT ", log.LstdFlags)
	p := message.NewPrinter(language.English)

	// A missing .env file is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Print(p.Sprintf("error loading .env file: %v", err))
	}

	var (
		configPath string
		server     string
		userID     int64
		h          bool
		help       bool
		genConfig  bool
		version    bool
		about      bool
		info       bool
	)
	flags := flag.NewFlagSet(appName, flag.ContinueOnError)
	flags.StringVar(&configPath, "f", configPath, "the config file to load")
	flags.StringVar(&server, "server", server, "override the server set in the config file")
	flags.Int64Var(&userID, "user", userID, "override the user ID set in the config file")
	flags.BoolVar(&h, "h", h, "print this help message")
	flags.BoolVar(&help, "help", help, "print this help message")
	flags.BoolVar(&genConfig, "config", genConfig, "print a default config file to stdout")
	flags.BoolVar(&version, "version", version, "print the version and exit")
	flags.BoolVar(&about, "about", about, "print information about this application and exit")
	flags.BoolVar(&info, "info", info, "include embedded build information in -about")
	// Even with ContinueOnError set, it still prints for some reason. Discard the
	// first defaults so we can write our own.
	flags.SetOutput(io.Discard)
	err := flags.Parse(os.Args[1:])
	if err != nil {
		logger.Println(err)
		printHelp(flags, os.Stderr)
		os.Exit(2)
	}

	if help || h {
		printHelp(flags, os.Stdout)
		return
	}
	if version {
		fmt.Printf("%s %s (%s)\n", appName, Version, Commit)
		return
	}
	if genConfig {
		err = printConfig(os.Stdout)
		if err != nil {
			logger.Fatalf("Error encoding default config as TOML: %v", err)
		}
		return
	}

	cfg := defaultConfig()
	f, fpath, err := configFile(configPath)
	switch {
	case err != nil && configPath != "":
		logger.Fatalf(`%v

Try running '%s -config' to generate a default config file.`, err, os.Args[0])
	case err != nil:
		logger.Print(p.Sprintf("no config file found, using defaults"))
	default:
		cfg, err = loadConfig(f)
		if err != nil {
			logger.Print(p.Sprintf("error parsing config file %q: %v", fpath, err))
		}
		if err = f.Close(); err != nil {
			logger.Print(p.Sprintf("error closing config file: %v", err))
		}
	}

	if cfg.Log.Verbose {
		debug.SetOutput(io.MultiWriter(earlyLogs, os.Stderr))
	}
	if s := os.Getenv(serverEnv); s != "" {
		cfg.Server = s
	}
	if server != "" {
		cfg.Server = server
	}
	if userID != 0 {
		cfg.UserID = userID
	}
	if about {
		if err := printAbout(os.Stdout, configPath, cfg.Server, info, p); err != nil {
			logger.Fatalf("error writing application info: %v", err)
		}
		return
	}

	tokenFile := expandHome(cfg.TokenFile)
	token := os.Getenv(tokenEnv)
	if token == "" && tokenFile != "" {
		token, err = session.ReadTokenFile(tokenFile)
		if err != nil {
			logger.Fatalf("error reading token file: %v", err)
		}
	}
	if token == "" {
		logger.Fatalf("no access token: set %s or token_file in %q", tokenEnv, fpath)
	}
	sess, err := session.New(cfg.UserID, token)
	if err != nil {
		logger.Fatalf("error reading user from access token, set user_id in the config file: %v", err)
	}

	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rest, err := api.New(cfg.Server, sess, debug,
		api.Timeout(timeout),
		api.Retries(3, 250*time.Millisecond, 4*time.Second),
	)
	if err != nil {
		logger.Fatalf("error configuring API client: %v", err)
	}
	live, err := client.New(cfg.Server, sess, logger, debug,
		client.Timeout(timeout),
		client.Backoff(cfg.Reconnect.Initial.Duration, cfg.Reconnect.Max.Duration, cfg.Reconnect.Multiplier),
		client.MaxRetries(cfg.Reconnect.MaxRetries),
		client.SendRate(rate.Limit(cfg.Send.Rate), cfg.Send.Burst),
		client.Tee(logwriter.New(recvLog), logwriter.New(sentLog)),
		client.Printer(p),
	)
	if err != nil {
		logger.Fatalf("error configuring live channels: %v", err)
	}

	// Open the database
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := storage.OpenDB(dbCtx, appName, cacheName(cfg.Server, sess.UserID()), expandHome(cfg.Cache), Migrations(), p, debug)
	if err != nil {
		logger.Fatalf("error opening database: %v", err)
	}
	defer db.Close()
	if id, err := db.SessionID(dbCtx); err != nil {
		debug.Printf("error loading local session ID: %v", err)
	} else {
		debug.Printf("local session ID: %s", id)
	}
	if name, err := db.DisplayName(dbCtx); err == nil && name != "" {
		logger.Print(p.Sprintf("signed in as %s", name))
	}

	applyTheme(cfg)

	var pane *ui.UI
	var s *chatsync.Sync
	rememberName := &sync.Once{}
	s = chatsync.New(rest, channels{c: live, logger: logger, debug: debug}, sess.UserID(), logger, debug,
		chatsync.WithCache(db),
		chatsync.Timeout(timeout),
		chatsync.Printer(p),
		chatsync.Notify(func() {
			snap := s.Snapshot()
			pane.Render(snap)
			saveDisplayName(rememberName, db, snap, sess.UserID(), timeout, debug)
		}),
		chatsync.OnUnauthenticated(func(err error) {
			if tokenFile != "" {
				logger.Print(p.Sprintf("the access token was rejected, update %q to continue: %v", tokenFile, err))
				return
			}
			logger.Print(p.Sprintf("the access token was rejected, restart with a new token: %v", err))
		}),
	)

	pane = ui.New(
		ui.Debug(debug),
		ui.UserID(sess.UserID()),
		ui.Printer(p),
		ui.ShowStatus(!cfg.UI.HideStatus),
		ui.Width(cfg.UI.Width),
		ui.InputCapture(func(event *tcell.EventKey) *tcell.EventKey {
			// The application intercepts Ctrl-C by default and terminates itself. We
			// don't want Ctrl-C to stop the application, so disable this behavior by
			// default. Manually sending a SIGINT will still work (see the signal
			// handling goroutine in this file).
			if event.Key() == tcell.KeyCtrlC {
				return nil
			}
			return event
		}),
	)
	pane.Handle(newUIHandler(s, p, timeout, pane.Stop, logger, debug))
	onPanic(pane.Stop)
	onPanic(func() {
		/* #nosec */
		s.Close()
	})

	if cfg.Log.Frames {
		recvLog.SetOutput(pane)
		sentLog.SetOutput(pane)
	}

	_, err = fmt.Fprintf(pane, `%s %s (%s)
Go %s %s

`, appName, Version, Commit, runtime.Version(), runtime.Compiler)
	if err != nil {
		debug.Printf("error logging to pane: %v", err)
	}

	_, err = io.Copy(pane, earlyLogs)
	logger.SetOutput(pane)
	if cfg.Log.Verbose {
		debug.SetOutput(pane)
	}
	if err != nil {
		debug.Printf("error copying early log data to output buffer: %q", err)
	}

	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go func() {
		defer panicHandler()
		if err := s.LoadCached(ctx); err != nil {
			debug.Printf("error loading cached conversations: %v", err)
		}
		refreshLoop(ctx, s, cfg.Refresh.Interval.Duration, timeout, p, logger)
	}()

	if tokenFile != "" {
		go func() {
			defer panicHandler()
			err := sess.WatchTokenFile(ctx, tokenFile, debug, func(string) {
				logger.Print(p.Sprintf("access token reloaded from %q", tokenFile))
				s.Reconnect()
				rctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := s.Refresh(rctx); err != nil {
					logger.Print(p.Sprintf("error refreshing conversations: %v", err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Print(p.Sprintf("error watching token file: %v", err))
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		defer panicHandler()
		sig := <-sigs
		debug.Printf("got signal: %v", sig)
		pane.Stop()
	}()

	if err := pane.Run(); err != nil {
		panic(err)
	}
	cancelWorkers()
	if err := s.Close(); err != nil {
		debug.Printf("error closing live channel: %v", err)
	}
}

// refreshLoop reloads the conversation list immediately and then every
// interval until ctx is canceled.
func refreshLoop(ctx context.Context, s *chatsync.Sync, interval, timeout time.Duration, p *message.Printer, logger *log.Logger) {
	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.Refresh(rctx); err != nil && ctx.Err() == nil {
			logger.Print(p.Sprintf("error refreshing conversations: %v", err))
		}
	}
	refresh()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// cacheName returns the name of the local cache for a user of a server.
func cacheName(server string, userID int64) string {
	host := server
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		host = u.Host
	}
	return strconv.FormatInt(userID, 10) + "@" + host
}

// saveDisplayName stores the name of the local user the first time one of
// their messages is seen.
func saveDisplayName(once *sync.Once, db *storage.DB, snap chatsync.Snapshot, userID int64, timeout time.Duration, debug *log.Logger) {
	for _, m := range snap.Messages {
		if m.Sender.ID != userID {
			continue
		}
		name := m.Sender.DisplayName()
		once.Do(func() {
			go func() {
				defer panicHandler()
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := db.SetDisplayName(ctx, name); err != nil {
					debug.Printf("error saving display name: %v", err)
				}
			}()
		})
		return
	}
}
