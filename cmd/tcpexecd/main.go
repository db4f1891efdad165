package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/guseggert/tcpexec/server"
	"github.com/guseggert/tcpexec/telemetry"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = "Usage: tcpexecd -p port path"

const metricsShutdownTimeout = 5 * time.Second

var version = "dev"

type config struct {
	port         int
	host         string
	wsListenAddr string
	logLevel     zapcore.Level
	program      string
}

func (c config) listenAddr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// usageError is returned for missing or malformed configuration.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return fmt.Sprintf("%s\n%s", e.msg, usage)
}

func parseConfig(ctx *cli.Context) (config, error) {
	var cfg config

	if !ctx.IsSet("port") {
		return cfg, &usageError{msg: "missing port"}
	}
	port, err := nat.ParsePort(ctx.String("port"))
	if err != nil {
		return cfg, &usageError{msg: fmt.Sprintf("invalid port %q: %s", ctx.String("port"), err)}
	}
	cfg.port = port

	if ctx.NArg() != 1 {
		return cfg, &usageError{msg: "expected exactly one program path"}
	}
	cfg.program = ctx.Args().First()
	if err := checkExecutable(cfg.program); err != nil {
		return cfg, &usageError{msg: err.Error()}
	}

	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return cfg, &usageError{msg: fmt.Sprintf("invalid log level: %s", err)}
	}
	cfg.logLevel = level

	cfg.host = ctx.String("host")
	cfg.wsListenAddr = ctx.String("ws-listen-addr")
	return cfg, nil
}

// checkExecutable verifies that path names a regular file with an execute bit set.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("program %q is not a regular file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("program %q is not executable", path)
	}
	return nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "tcpexecd",
		Version:   version,
		Usage:     "run a program for every TCP connection, wired to the connection's byte stream",
		ArgsUsage: "path",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "The TCP port to accept connections on.",
				EnvVars: []string{"TCPEXEC_PORT"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "The address to bind the TCP port on.",
				Value:   "0.0.0.0",
				EnvVars: []string{"TCPEXEC_HOST"},
			},
			&cli.StringFlag{
				Name:    "ws-listen-addr",
				Usage:   "If set, also accept WebSocket connections on this address at /relay.",
				EnvVars: []string{"TCPEXEC_WS_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"TCPEXEC_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := parseConfig(ctx)
			if err != nil {
				return err
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			provider, shutdownMetrics, err := telemetry.NewProvider(ctx.Context, "tcpexecd", version)
			if err != nil {
				return fmt.Errorf("building meter provider: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
				defer cancel()
				if err := shutdownMetrics(shutdownCtx); err != nil {
					logger.Sugar().Warnf("error flushing metrics: %s", err)
				}
			}()

			metrics, err := telemetry.New(provider)
			if err != nil {
				return fmt.Errorf("building metrics: %w", err)
			}

			srv, err := server.New(
				cfg.program,
				server.WithLogger(logger),
				server.WithLogLevel(cfg.logLevel),
				server.WithListenAddr(cfg.listenAddr()),
				server.WithWebSocketAddr(cfg.wsListenAddr),
				server.WithMetrics(metrics),
			)
			if err != nil {
				return fmt.Errorf("building server: %w", err)
			}
			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signals)

			if err := srv.Start(); err != nil {
				return err
			}
			go func() {
				sig := <-signals
				logger.Sugar().Infof("got %s, shutting down", sig)
				srv.Stop()
			}()

			return srv.Wait()
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, uerr)
			os.Exit(1)
		}
		log.Fatal(err)
	}
}
