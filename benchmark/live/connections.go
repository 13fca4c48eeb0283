package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"soulcare.app/soulchat/internal/client"
	"soulcare.app/soulchat/internal/client/event"
	"soulcare.app/soulchat/internal/session"
)

var (
	connList []*client.Conn
	connMu   sync.Mutex

	liveClient *client.Client
	clientOnce sync.Once
	clientErr  error
)

// probe is the message currently being timed.
var probe struct {
	sync.Mutex
	want      string
	sent      time.Time
	latencies []time.Duration
	pending   sync.WaitGroup
}

func connCount() int64 {
	connMu.Lock()
	defer connMu.Unlock()
	return int64(len(connList))
}

func closeConns() {
	connMu.Lock()
	defer connMu.Unlock()
	for _, conn := range connList {
		conn.Close()
	}
}

func addConn(conn *client.Conn) {
	connMu.Lock()
	defer connMu.Unlock()
	connList = append(connList, conn)
}

func getClient() (*client.Client, error) {
	clientOnce.Do(func() {
		logger := log.New(io.Discard, "", log.LstdFlags)
		debug := log.New(io.Discard, "DEBUG ", log.LstdFlags)
		var sess *session.Session
		sess, clientErr = session.New(0, token)
		if clientErr != nil {
			return
		}
		liveClient, clientErr = client.New(server, sess, logger, debug,
			client.Timeout(30*time.Second),
			client.MaxRetries(1),
		)
	})
	return liveClient, clientErr
}

func handle(ev interface{}) {
	m, ok := ev.(event.ChatMessage)
	if !ok {
		return
	}
	probe.Lock()
	defer probe.Unlock()
	if probe.want == "" || m.Content != probe.want {
		return
	}
	probe.latencies = append(probe.latencies, time.Since(probe.sent))
	probe.pending.Done()
}

// newConnection opens a live channel and waits until it is live.
func newConnection(ctx context.Context) error {
	c, err := getClient()
	if err != nil {
		return err
	}

	live := make(chan struct{})
	var once sync.Once
	conn := c.Open(conv, func(ev interface{}) {
		switch e := ev.(type) {
		case event.StatusLive:
			once.Do(func() { close(live) })
		case event.StatusClosed:
			if e.Err != nil {
				fmt.Printf("Channel closed: %v\n", e.Err)
			}
		}
		handle(ev)
	})

	select {
	case <-live:
	case <-conn.Done():
		return errors.New("channel closed before it was live")
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	addConn(conn)
	return nil
}

func startMultiConn(num int) {
	var wg sync.WaitGroup

	for i := 0; i < num; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := newConnection(ctx)
			if err != nil {
				fmt.Printf("Error opening channel: %v\n", err)
			}
		}()
	}

	wg.Wait()
}

// fanOutTest sends a message on the first channel and returns the average
// time in milliseconds until every open channel received it.
func fanOutTest() (float64, error) {
	connMu.Lock()
	conns := append([]*client.Conn(nil), connList...)
	connMu.Unlock()
	if len(conns) == 0 {
		return 0, errors.New("no channels open")
	}

	body := uuid.NewString()
	probe.Lock()
	probe.want = body
	probe.latencies = probe.latencies[:0]
	probe.pending.Add(len(conns))
	probe.sent = time.Now()
	probe.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := conns[0].Send(ctx, body); err != nil {
		return 0, err
	}

	done := make(chan struct{})
	go func() {
		probe.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return 0, fmt.Errorf("waiting for fan out: %w", ctx.Err())
	}

	probe.Lock()
	defer probe.Unlock()
	probe.want = ""
	var total time.Duration
	for _, d := range probe.latencies {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(probe.latencies)), nil
}
