package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/wishlist-sync/internal/auth"
)

var Version = "dev"

const usage = `usage: wishlist-sync <command> [args]

commands:
  run                 run the sync daemon (default)
  list                print the wishlist
  add <product-id>    add a product (-title, -price, -image, -stock)
  remove <product-id> remove a product
  clear               remove every product
  sync                replay queued changes and refresh the cache
  status              print sync status as YAML
  login <user-id>     store a session token read from stdin
  logout              forget the stored session
  hash-key            hash an MCP API key read from stdin
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// Handle hash-key subcommand before config loading.
	if cmd == "hash-key" {
		hashKey()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return runDaemon(ctx)
	case "list", "add", "remove", "clear", "sync", "status":
		return runCommand(ctx, cmd, args, os.Stdout)
	case "login":
		return login(args)
	case "logout":
		return logout()
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no input")
	}
	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return "", fmt.Errorf("no input")
	}
	return secret, nil
}

func hashKey() {
	key, err := readSecret("Enter API key (empty to generate one): ")
	if err != nil {
		key = auth.GenerateToken()
		fmt.Fprintf(os.Stderr, "generated key: %s\n", key)
	}
	hash, err := auth.HashToken(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
