// Command agentctl is a developer CLI for exercising a running Agent's
// gateway without a browser UI: it opens one WebSocket connection,
// issues a single request, and prints whatever responses and events
// come back until the operation reaches a terminal frame (or, for
// log-subscribe, until interrupted).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// envelope mirrors internal/gateway's wire frame. It is redeclared
// here rather than imported because the gateway package keeps its
// frame constructors unexported - agentctl only ever needs to read
// and write the shape, not build the internal helpers around it.
type envelope struct {
	Op     string          `json:"op"`
	ID     string          `json:"id,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Status string          `json:"status,omitempty"`
}

type frame struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "agentctl:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "agentctl",
		Short: "Drive a Game Server Agent's gateway from the command line",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "ws://127.0.0.1:8080/", "gateway WebSocket address")

	root.AddCommand(newStatusCmd(&addr))
	root.AddCommand(newVersionInstallCmd(&addr))
	root.AddCommand(newLogSubscribeCmd(&addr))

	return root
}

func dial(addr string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return conn, nil
}

func sendRequest(conn *websocket.Conn, kind string, body interface{}) (string, error) {
	id := strconv.FormatInt(time.Now().UnixNano(), 36)
	var raw json.RawMessage
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("encoding request body: %w", err)
		}
	}
	env := envelope{Op: "request", ID: id, Kind: kind, Body: raw}
	if err := conn.WriteJSON(env); err != nil {
		return "", fmt.Errorf("writing request: %w", err)
	}
	return id, nil
}

// drainOperation reads and prints every response and event on conn until
// a terminal operation frame, or an inline error response, ends the
// exchange. Envelopes are not filtered by reqID.
func drainOperation(conn *websocket.Conn, reqID string) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		switch env.Op {
		case "response":
			if env.Status == "error" {
				return errorFromBody(env.Body)
			}
			fmt.Printf("ack: %s\n", string(env.Body))
		case "event":
			var f frame
			if err := json.Unmarshal(env.Body, &f); err != nil {
				fmt.Printf("event (unparsed): %s\n", string(env.Body))
				continue
			}
			fmt.Printf("frame %d %s: %s\n", f.Seq, f.Type, string(f.Body))
			if f.Type == "Completed" || f.Type == "Failed" {
				if f.Type == "Failed" {
					return fmt.Errorf("operation failed: %s", string(f.Body))
				}
				return nil
			}
		}
	}
}

func errorFromBody(body json.RawMessage) error {
	var e struct {
		Kind   string `json:"kind"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("request rejected: %s", string(body))
	}
	return fmt.Errorf("%s: %s", e.Kind, e.Detail)
}

func newStatusCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the Agent's current lifecycle and version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := sendRequest(conn, "Status", nil); err != nil {
				return err
			}
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if env.Status == "error" {
				return errorFromBody(env.Body)
			}
			fmt.Println(string(env.Body))
			return nil
		},
	}
}

func newVersionInstallCmd(addr *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "version-install <version>",
		Short: "Install the given game-server version, tailing progress to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			reqID, err := sendRequest(conn, "VersionInstall", struct {
				Version string `json:"version"`
				Force   bool   `json:"force"`
			}{Version: args[0], Force: force})
			if err != nil {
				return err
			}
			return drainOperation(conn, reqID)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "reinstall even if already current")
	return cmd
}

func newLogSubscribeCmd(addr *string) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "log-subscribe",
		Short: "Stream classified console log lines until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := sendRequest(conn, "LogSubscribe", struct {
				Category string `json:"category"`
			}{Category: category}); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			lines := make(chan envelope)
			go func() {
				for {
					var env envelope
					if err := conn.ReadJSON(&env); err != nil {
						close(lines)
						return
					}
					lines <- env
				}
			}()

			for {
				select {
				case <-sig:
					return nil
				case env, ok := <-lines:
					if !ok {
						return nil
					}
					fmt.Println(string(env.Body))
				}
			}
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only show lines of this category (System, Chat, Join, Leave, Upload)")
	return cmd
}
