// -- cmd/open.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkrall/drover/internal/launcher"
	"github.com/mkrall/drover/internal/observability"
	"github.com/mkrall/drover/internal/page"
	"github.com/mkrall/drover/internal/protocol"
)

var (
	openEval       string
	openScreenshot string
	openTimeout    time.Duration
)

// openCmd launches a browser, navigates to the given URL, and optionally
// evaluates an expression or captures a screenshot before shutting down.
var openCmd = &cobra.Command{
	Use:   "open <url>",
	Short: "Launch a browser and navigate to a URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		ctx, cancel := context.WithTimeout(cmd.Context(), openTimeout)
		defer cancel()

		browser, err := launcher.Launch(ctx, cfg.Browser, logger)
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer func() { _ = browser.Stop() }()

		conn, err := protocol.Dial(ctx, browser.WebSocketURL(), protocol.Options{
			ConnectTimeout: cfg.Protocol.ConnectTimeout,
			CallTimeout:    cfg.Protocol.CallTimeout,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("dial devtools: %w", err)
		}
		defer func() { _ = conn.Close() }()

		p, err := page.Attach(ctx, conn, page.Options{
			WaitTimeout:  cfg.Protocol.WaitTimeout,
			PollInterval: cfg.Protocol.PollInterval,
			SettleGrace:  cfg.Protocol.SettleGrace,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("attach page: %w", err)
		}
		defer p.Close()

		url := args[0]
		if err := p.Navigate(ctx, url); err != nil {
			return err
		}
		title, err := p.Title(ctx)
		if err != nil {
			return err
		}
		logger.Info("Page loaded", zap.String("url", url), zap.String("title", title))
		fmt.Fprintln(cmd.OutOrStdout(), title)

		if openEval != "" {
			v, err := p.Eval(ctx, openEval)
			if err != nil {
				return fmt.Errorf("evaluate expression: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v\n", v)
		}

		if openScreenshot != "" {
			png, err := p.Screenshot(ctx)
			if err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			if err := os.WriteFile(openScreenshot, png, 0o644); err != nil {
				return fmt.Errorf("write screenshot: %w", err)
			}
			logger.Info("Screenshot written", zap.String("path", openScreenshot), zap.Int("bytes", len(png)))
		}
		return nil
	},
}

func init() {
	openCmd.Flags().StringVar(&openEval, "eval", "", "JavaScript expression to evaluate after the page loads")
	openCmd.Flags().StringVar(&openScreenshot, "screenshot", "", "write a PNG screenshot to this path")
	openCmd.Flags().DurationVar(&openTimeout, "timeout", 60*time.Second, "overall deadline for the session")
	rootCmd.AddCommand(openCmd)
}
