// File: internal/launcher/launcher.go
//
// Package launcher starts a Chrome-family browser with remote debugging
// enabled and discovers its DevTools page target. It owns the process tree
// and the temporary profile directory; everything protocol-level lives in
// internal/protocol.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mkrall/drover/internal/config"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// chromeEnvVar overrides binary discovery entirely.
const chromeEnvVar = "DROVER_CHROME"

// binaryCandidates are tried in order when no path is configured. Both PATH
// names and well-known absolute locations are accepted.
var binaryCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"headless-shell",
	"/usr/bin/google-chrome",
	"/usr/bin/chromium",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// Launcher is one running browser process plus its discovered page target.
type Launcher struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	eg     *errgroup.Group

	wsURL       string
	port        int
	userDataDir string
	ownsDataDir bool
}

// Launch starts the browser and blocks until its DevTools endpoint answers
// and exposes a page target. The ctx deadline bounds the whole startup.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Launcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Launcher{logger: logger.Named("launcher")}

	binary, err := findBinary(cfg.Path)
	if err != nil {
		return nil, err
	}

	l.port = cfg.DebugPort
	if l.port == 0 {
		l.port, err = pickFreePort()
		if err != nil {
			return nil, fmt.Errorf("pick debugging port: %w", err)
		}
	}

	l.userDataDir = cfg.UserDataDir
	if l.userDataDir == "" {
		l.userDataDir, err = os.MkdirTemp("", "drover-profile-*")
		if err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		l.ownsDataDir = true
	}

	args := buildArgs(cfg, l.port, l.userDataDir)
	l.logger.Info("Launching browser.", zap.String("binary", binary), zap.Int("port", l.port))

	l.cmd = exec.Command(binary, args...)
	stderr, err := l.cmd.StderrPipe()
	if err != nil {
		l.cleanupDataDir()
		return nil, fmt.Errorf("attach stderr: %w", err)
	}
	if err := l.cmd.Start(); err != nil {
		l.cleanupDataDir()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	l.eg = &errgroup.Group{}
	l.eg.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			l.logger.Debug("Browser stderr.", zap.String("line", scanner.Text()))
		}
		return nil
	})
	l.eg.Go(func() error {
		err := l.cmd.Wait()
		l.logger.Debug("Browser process exited.", zap.Error(err))
		return nil
	})

	wsURL, err := l.discoverPageTarget(ctx)
	if err != nil {
		_ = l.Stop()
		return nil, err
	}
	l.wsURL = wsURL
	return l, nil
}

// WebSocketURL returns the DevTools URL of the discovered page target.
func (l *Launcher) WebSocketURL() string {
	return l.wsURL
}

// Port returns the remote debugging port in use.
func (l *Launcher) Port() int {
	return l.port
}

// Stop kills the browser process, waits for it to exit, and removes the
// profile directory when the launcher created it. Safe to call after a
// failed Launch.
func (l *Launcher) Stop() error {
	if l.cmd != nil && l.cmd.Process != nil {
		_ = l.cmd.Process.Kill()
	}
	if l.eg != nil {
		_ = l.eg.Wait()
	}
	l.cleanupDataDir()
	return nil
}

func (l *Launcher) cleanupDataDir() {
	if l.ownsDataDir && l.userDataDir != "" {
		if err := os.RemoveAll(l.userDataDir); err != nil {
			l.logger.Warn("Could not remove profile dir.", zap.String("dir", l.userDataDir), zap.Error(err))
		}
		l.userDataDir = ""
	}
}

// discoverPageTarget polls the HTTP discovery endpoints until the browser
// answers and a page target appears. Probes are rate limited so a slow
// startup is not hammered.
func (l *Launcher) discoverPageTarget(ctx context.Context) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
	}

	base := "http://127.0.0.1:" + strconv.Itoa(l.port)
	limiter := rate.NewLimiter(rate.Every(200*time.Millisecond), 1)
	client := &http.Client{Timeout: time.Second}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("devtools endpoint never came up on port %d: %w", l.port, err)
		}
		if !endpointUp(ctx, client, base+"/json/version") {
			continue
		}
		wsURL, err := pageTargetURL(ctx, client, base+"/json/list")
		if err != nil {
			l.logger.Debug("No page target yet.", zap.Error(err))
			continue
		}
		return wsURL, nil
	}
}

func endpointUp(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func pageTargetURL(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var targets []struct {
		Type                 string `json:"type"`
		URL                  string `json:"url"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := codec.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode target list: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no page target among %d targets", len(targets))
}

// buildArgs assembles the browser command line.
func buildArgs(cfg config.BrowserConfig, port int, userDataDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(port),
		"--user-data-dir=" + userDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
	}
	if cfg.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.WindowW > 0 && cfg.WindowH > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", cfg.WindowW, cfg.WindowH))
	}
	args = append(args, cfg.Args...)
	args = append(args, "about:blank")
	return args
}

// findBinary resolves the browser executable: explicit config first, then the
// environment override, then the candidate list.
func findBinary(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv(chromeEnvVar); env != "" {
		return env, nil
	}
	for _, candidate := range binaryCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no browser binary found; set browser.path or %s", chromeEnvVar)
}

func pickFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
