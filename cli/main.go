// Package main provides a CLI observer that tails the crewdeck event
// stream over WebSocket.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

// Envelope mirrors the fanout wire format.
type Envelope struct {
	Type string          `json:"type"`
	Ts   string          `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// Client represents a WebSocket observer connection.
type Client struct {
	conn *websocket.Conn
	done chan struct{}
}

// NewClient connects to the server.
func NewClient(addr string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// ReadEvents reads envelopes and prints the ones matching the filter.
// An empty filter prints everything.
func (c *Client) ReadEvents(filter map[string]bool) {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("Read error: %v", err)
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				log.Printf("Unmarshal error: %v", err)
				continue
			}
			if len(filter) > 0 && !filter[env.Type] {
				continue
			}

			var pretty map[string]interface{}
			json.Unmarshal(env.Data, &pretty)
			formatted, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("\n[%s] %s\n%s\n", env.Ts, env.Type, string(formatted))
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	types := flag.String("types", "", "comma-separated event types to show (default: all)")
	flag.Parse()

	log.SetFlags(log.Ltime)

	filter := map[string]bool{}
	if *types != "" {
		for _, t := range strings.Split(*types, ",") {
			filter[strings.TrimSpace(t)] = true
		}
	}

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	fmt.Println("Connected. Watching events (Ctrl+C to exit)...")

	go client.ReadEvents(filter)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt
	fmt.Println("\nBye!")
}
