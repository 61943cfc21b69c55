package deploy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// waitHealthy probes the app's main port until it answers or the budget runs
// out. With an HTTP path configured the probe wants any status below 500;
// otherwise a successful TCP connect counts.
func waitHealthy(ctx context.Context, port int, spec HealthcheckSpec, budget time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout(budget))
	defer cancel()

	interval := spec.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if err := probeOnce(ctx, port, spec.Path, interval); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("health check on port %d: %w", port, lastErr)
			}
			return fmt.Errorf("health check on port %d: %w", port, ctx.Err())
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, port int, path string, timeout time.Duration) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if path == "" {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
