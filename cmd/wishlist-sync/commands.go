package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/wishlist-sync/internal/config"
	"github.com/alexjbarnes/wishlist-sync/internal/logging"
	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

// runCommand runs one wishlist operation and exits. Connectivity is
// checked once up front; offline mutations are queued for the daemon.
func runCommand(ctx context.Context, cmd string, args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	// The probe starts offline so signing in does not kick off a
	// background sync that would race the command.
	probe := wishlist.NewManualProbe(false)
	a, err := newApp(cfg, logger, func(*wishlist.Client) wishlist.Connectivity { return probe })
	if err != nil {
		return err
	}
	defer a.close()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = a.client.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Debug("wishlist service unreachable", slog.String("error", err.Error()))
	}
	probe.Set(err == nil)

	w := a.wishlist
	switch cmd {
	case "list":
		if probe.Online() && w.Session().Authenticated() {
			if _, err := w.Engine().Sync(ctx); err != nil {
				logger.Warn("refresh failed, showing cached wishlist", slog.String("error", err.Error()))
			}
		}
		return printItems(out, w.List())

	case "add":
		item, err := parseAdd(args)
		if err != nil {
			return err
		}
		return printResult(out, w.Add(ctx, item))

	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("usage: wishlist-sync remove <product-id>")
		}
		return printResult(out, w.Remove(ctx, args[0]))

	case "clear":
		return printResult(out, w.Clear(ctx))

	case "sync":
		status, err := w.Engine().Sync(ctx)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		return printStatus(out, status)

	case "status":
		return printStatus(out, w.Status())
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func parseAdd(args []string) (wishlist.Item, error) {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	title := fs.String("title", "", "product title")
	price := fs.Float64("price", 0, "product price")
	image := fs.String("image", "", "product image URL")
	stock := fs.Int("stock", 0, "units in stock")

	// Accept the product ID before or after the flags.
	var id string
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		id, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return wishlist.Item{}, err
	}
	if id == "" && fs.NArg() > 0 {
		id = fs.Arg(0)
	}
	if id == "" {
		return wishlist.Item{}, fmt.Errorf("usage: wishlist-sync add <product-id> [-title t] [-price p] [-image url] [-stock n]")
	}

	return wishlist.Item{ProductID: id, Title: *title, Price: *price, Image: *image, Stock: *stock}, nil
}

func printItems(out io.Writer, items []wishlist.Item) error {
	if len(items) == 0 {
		_, err := fmt.Fprintln(out, "wishlist is empty")
		return err
	}
	for _, it := range items {
		line := it.ProductID
		if it.Title != "" {
			line += "  " + it.Title
		}
		if it.Price > 0 {
			line += fmt.Sprintf("  %.2f", it.Price)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

func printResult(out io.Writer, r wishlist.Result) error {
	if !r.Success {
		return errors.New(r.Message)
	}
	_, err := fmt.Fprintln(out, r.Message)
	return err
}

func printStatus(out io.Writer, status wishlist.SyncStatus) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	return enc.Close()
}

func login(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: wishlist-sync login <user-id>")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := readSecret("Enter token: ")
	if err != nil {
		return err
	}

	st, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	if err := st.SetUserID(args[0]); err != nil {
		return err
	}
	if err := st.SetToken(token); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "signed in as %s\n", args[0])
	return nil
}

func logout() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := openState(cfg)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	if err := st.ClearSession(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "signed out")
	return nil
}
