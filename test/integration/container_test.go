package integration

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	postgresImage = "postgres:16-alpine"
	billingDB     = "billing_it"
	billingRole   = "billing_it"
)

// startPostgresContainer runs a disposable PostgreSQL through the Docker CLI
// on a host port picked by Docker, and returns its URL with a stop func.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, fmt.Errorf("docker CLI not found: %w", err)
	}

	name := "billing-it-" + uuid.NewString()[:8]
	out, err := docker(ctx, "run", "-d", "--rm", "--name", name,
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER="+billingRole,
		"-e", "POSTGRES_PASSWORD="+billingRole,
		"-e", "POSTGRES_DB="+billingDB,
		"-e", "TZ=Africa/Accra",
		postgresImage,
	)
	if err != nil {
		return "", nil, err
	}
	stop := func() { _, _ = docker(context.Background(), "rm", "-f", name) }

	// "127.0.0.1:49153", possibly followed by an IPv6 line.
	mapped, err := docker(ctx, "port", name, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, err
	}
	addr := strings.TrimSpace(strings.Split(mapped, "\n")[0])
	if _, _, err := net.SplitHostPort(addr); err != nil {
		stop()
		return "", nil, fmt.Errorf("container %s port %q: %w", strings.TrimSpace(out), addr, err)
	}

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", billingRole, billingRole, addr, billingDB)
	if err := awaitPostgres(ctx, url, 45*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return url, stop, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// awaitPostgres polls until the server answers a query. The image restarts
// once during initdb, so a single successful connect is not enough.
func awaitPostgres(ctx context.Context, url string, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for ok := 0; ok < 2; {
		conn, err := pgx.Connect(ctx, url)
		if err == nil {
			var one int
			err = conn.QueryRow(ctx, "SELECT 1").Scan(&one)
			_ = conn.Close(ctx)
		}
		if err == nil {
			ok++
		} else {
			ok, lastErr = 0, err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres not ready after %s: %v", limit, lastErr)
		case <-tick.C:
		}
	}
	return nil
}
