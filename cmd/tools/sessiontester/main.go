// Command sessiontester drives a running kvtavern server with concurrent
// sessions and reports turn latency. Every session is checked for a
// complete, ordered history before it is terminated.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] failed to load .env, using system environment: %v", err)
	}

	defaultURL := os.Getenv("KVTAVERN_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8000"
	}

	baseURL := flag.String("url", defaultURL, "server base URL")
	sessions := flag.Int("sessions", 4, "number of concurrent sessions")
	turns := flag.Int("turns", 3, "messages sent per session")
	message := flag.String("message", "Hello! Who are you?", "message sent on every turn")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	keep := flag.Bool("keep", false, "leave sessions open instead of terminating them")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := newClient(*baseURL, *timeout)
	report, err := runLoad(ctx, client, loadOptions{
		Sessions: *sessions,
		Turns:    *turns,
		Message:  *message,
		Keep:     *keep,
	})
	if err != nil {
		log.Fatalf("load test failed: %v", err)
	}
	report.print(os.Stdout)
}
