package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/haven/internal/config"
)

func chatCmd() *cobra.Command {
	var (
		addr     string
		username string
		password string
		chatID   string
		message  string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running gateway from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				gw := cfg.Snapshot().Gateway
				host := gw.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, gw.Port)
			}
			if password == "" {
				password = os.Getenv("HAVEN_PASSWORD")
			}
			if username == "" || password == "" {
				if err := promptCredentials(&username, &password); err != nil {
					return err
				}
			}
			return runChatClient(addr, username, password, chatID, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "account username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (or $HAVEN_PASSWORD)")
	cmd.Flags().StringVar(&chatID, "chat", "main", "conversation id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (skips the REPL)")
	return cmd
}

func promptCredentials(username, password *string) error {
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Username").Value(username),
		huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(password),
	))
	return form.Run()
}

// login exchanges credentials for the session cookie.
func login(addr, username, password string) (string, error) {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp, err := http.Post("http://"+addr+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected (status %d)", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == "haven_token" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("login response carried no session cookie")
}

func runChatClient(addr, username, password, chatID, message string) error {
	token, err := login(addr, username, password)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Cookie", "haven_token="+token)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", header)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	if message != "" {
		resp, err := sendAndWait(conn, chatID, message)
		if err != nil {
			return err
		}
		fmt.Println(resp)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Haven chat (%s, conversation %q)\n", addr, chatID)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return nil
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return nil
		}
		resp, err := sendAndWait(conn, chatID, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", resp)
	}
}

// sendAndWait sends one chat frame and reads events until the final
// response, rendering progress to stderr as it goes. Server events are
// flat tagged objects: {"type":"response","content":...,"sessionId":...}.
func sendAndWait(conn *websocket.Conn, chatID, message string) (string, error) {
	frame := map[string]any{"type": "chat", "message": message, "chat_id": chatID}
	if err := conn.WriteJSON(frame); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	streaming := false
	for {
		var evt map[string]any
		if err := conn.ReadJSON(&evt); err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
		switch evt["type"] {
		case "chunk":
			if content, ok := evt["content"].(string); ok {
				fmt.Print(content)
				streaming = true
			}
		case "skill_start":
			name, _ := evt["skill"].(string)
			fmt.Fprintf(os.Stderr, "  [skill] %s\n", runewidth.Truncate(name, 40, "…"))
		case "skill_error":
			name, _ := evt["skill"].(string)
			fmt.Fprintf(os.Stderr, "  [skill] %s -> error\n", runewidth.Truncate(name, 40, "…"))
		case "response":
			content, _ := evt["content"].(string)
			if streaming {
				fmt.Println()
				return "", nil
			}
			return content, nil
		case "error":
			msg, _ := evt["error"].(string)
			return "", fmt.Errorf("agent error: %s", msg)
		}
	}
}
