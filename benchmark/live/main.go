// The live command measures how long messages take to fan out to an increasing
// number of live channels open on the same conversation.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

var (
	server   = "http://127.0.0.1:8000"
	token    = os.Getenv("SOULCHAT_TOKEN")
	conv     int64
	maxConns int64 = 500
	batch          = 50
)

func main() {
	var reportName string
	flags := flag.NewFlagSet("Live Channel Benchmark", flag.ContinueOnError)
	flags.StringVar(&server, "server", server, "the server to connect to")
	flags.StringVar(&token, "token", token, "the access token, defaults to $SOULCHAT_TOKEN")
	flags.Int64Var(&conv, "conv", conv, "the conversation to open channels on")
	flags.Int64Var(&maxConns, "max", maxConns, "stop after opening this many channels")
	flags.IntVar(&batch, "batch", batch, "the number of channels opened per round")
	flags.StringVar(&reportName, "o", "report-live.csv", "the file to write the report to")
	flags.SetOutput(io.Discard)
	err := flags.Parse(os.Args[1:])
	if err != nil || conv == 0 || token == "" || batch <= 0 {
		fmt.Fprintln(os.Stderr, "usage: live -conv ID [-token TOKEN] [-server URL] [-max N] [-batch N] [-o FILE]")
		os.Exit(2)
	}

	file, err := os.OpenFile(reportName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		panic(err)
	}
	/* #nosec */
	defer file.Close()

	if _, err := file.WriteString("timestamp, connectionCount, averageLatency\n"); err != nil {
		panic(err)
	}

	defer closeConns()

	for connCount() < maxConns {
		startMultiConn(batch)
		fmt.Printf("Opened %d channels\n", connCount())
		time.Sleep(2 * time.Second)
		curTime := time.Now()
		averageTime, err := fanOutTest()
		if err != nil {
			fmt.Printf("Error running round: %v\n", err)
			return
		}
		fmt.Printf("Average time for %d channels is %f\n", connCount(), averageTime)
		if _, err := fmt.Fprintf(file, "%s, %d, %f\n", curTime.Format(time.RFC3339), connCount(), averageTime); err != nil {
			panic(err)
		}
		time.Sleep(3 * time.Second)
	}
}
