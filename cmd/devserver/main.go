// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The devserver command serves an in-memory chat backend for local development.
//
// Users, tokens, and conversations are read from a TOML seed file.
// Without one a small demo seed is used.
package main // import "soulcare.app/soulchat/cmd/devserver"

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"soulcare.app/soulchat/internal/chat"
	"soulcare.app/soulchat/internal/devserver"
)

const demoSeed = `
[[user]]
id = 1
username = "amy"
full_name = "Amy Pond"
role = "patient"
token = "amy-token"

[[user]]
id = 2
username = "drwho"
full_name = "Dr. Who"
role = "psychiatrist"
token = "doc-token"

[[user]]
id = 3
username = "rory"
role = "patient"
token = "rory-token"

[[conversation]]
id = 10
members = [1, 2]
messages = [
	{ from = 2, content = "Hello Amy, how have you been sleeping?" },
	{ from = 1, content = "Better this week, thanks." },
]

[[conversation]]
id = 11
members = [3, 2]
`

type seed struct {
	User []struct {
		ID       int64  `toml:"id"`
		Username string `toml:"username"`
		FullName string `toml:"full_name"`
		Role     string `toml:"role"`
		Token    string `toml:"token"`
	} `toml:"user"`
	Conversation []struct {
		ID       int64    `toml:"id"`
		Members  [2]int64 `toml:"members"`
		Messages []struct {
			From    int64  `toml:"from"`
			Content string `toml:"content"`
		} `toml:"messages"`
	} `toml:"conversation"`
}

func load(s *devserver.Server, sd seed) error {
	for _, u := range sd.User {
		s.AddUser(chat.Participant{
			ID:       u.ID,
			Username: u.Username,
			FullName: u.FullName,
			Role:     u.Role,
		}, u.Token)
	}
	for _, c := range sd.Conversation {
		err := s.AddConversation(c.ID, c.Members[0], c.Members[1])
		if err != nil {
			return fmt.Errorf("conversation %d: %w", c.ID, err)
		}
		for _, m := range c.Messages {
			if _, err := s.Post(c.ID, m.From, m.Content); err != nil {
				return fmt.Errorf("conversation %d: %w", c.ID, err)
			}
		}
	}
	return nil
}

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	// A missing .env is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("error loading .env: %v", err)
	}

	var (
		addr     = os.Getenv("SOULCHAT_DEV_ADDR")
		seedPath string
		verbose  bool
	)
	if addr == "" {
		addr = "127.0.0.1:8000"
	}
	flags := flag.NewFlagSet("devserver", flag.ExitOnError)
	flags.StringVar(&addr, "addr", addr, "the address to listen on")
	flags.StringVar(&seedPath, "seed", seedPath, "a TOML file of users and conversations to load")
	flags.BoolVar(&verbose, "v", verbose, "log every request")
	/* #nosec */
	flags.Parse(os.Args[1:])

	var sd seed
	var err error
	if seedPath == "" {
		_, err = toml.Decode(demoSeed, &sd)
	} else {
		_, err = toml.DecodeFile(seedPath, &sd)
	}
	if err != nil {
		logger.Fatalf("error parsing seed: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	reqLog := log.New(io.Discard, "", 0)
	if verbose {
		reqLog = logger
	}
	s := devserver.New(reqLog)
	if err := load(s, sd); err != nil {
		logger.Fatalf("error loading seed: %v", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Printf("error shutting down: %v", err)
		}
	}()

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal(err)
	}
}
