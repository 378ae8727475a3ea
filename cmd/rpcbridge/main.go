package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/control"
	"github.com/guseggert/rpcbridge/executor"
	"github.com/guseggert/rpcbridge/internal/logging"
	"github.com/guseggert/rpcbridge/session"
	"github.com/guseggert/rpcbridge/version"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:    "rpcbridge",
		Usage:   "run commands in a host environment from another process",
		Version: version.Identifier(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "The host the session server listens on, or the client connects to.",
				Value:   "localhost",
				EnvVars: []string{"RPCBRIDGE_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The session port.",
				Value:   session.DefaultPort,
				EnvVars: []string{"RPCBRIDGE_PORT"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "How long to wait for a command's result.",
				Value:   session.DefaultTimeout,
				EnvVars: []string{"RPCBRIDGE_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug logging.",
				EnvVars: []string{"RPCBRIDGE_DEBUG"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   fmt.Sprintf("Write logs to this file instead of stderr. %q picks a name from the role, time and pid.", logging.AutoFile),
				EnvVars: []string{"RPCBRIDGE_LOG_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run a session server executing shell commands",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "control-addr",
						Usage:   "Also serve the HTTP control surface on this address.",
						EnvVars: []string{"RPCBRIDGE_CONTROL_ADDR"},
					},
					&cli.Int64Flag{
						Name:    "max-dispatch",
						Usage:   "Maximum number of commands waiting on the executor at once, 0 for no limit.",
						EnvVars: []string{"RPCBRIDGE_MAX_DISPATCH"},
					},
					&cli.StringFlag{
						Name:    "dir",
						Usage:   "The working directory for shell commands.",
						EnvVars: []string{"RPCBRIDGE_DIR"},
					},
				},
				Action: serve,
			},
			{
				Name:  "connect",
				Usage: "connect to a session server and send it commands interactively",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "control-url",
						Usage:   "Tunnel the session through the control surface at this URL instead of connecting directly.",
						EnvVars: []string{"RPCBRIDGE_CONTROL_URL"},
					},
				},
				Action: connect,
			},
			{
				Name:  "status",
				Usage: "print the status of a session server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "control-url",
						Usage:    "The URL of the control surface.",
						EnvVars:  []string{"RPCBRIDGE_CONTROL_URL"},
						Required: true,
					},
				},
				Action: status,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cCtx *cli.Context, role string) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cCtx.Bool("debug") {
		level = zapcore.DebugLevel
	}
	return logging.New(role, level, cCtx.String("log-file"))
}

func serve(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx, "server")
	if err != nil {
		return err
	}
	defer logger.Sync()

	exec := executor.NewSerial(&executor.ShellEnv{Dir: cCtx.String("dir")}, executor.WithExecutorLogger(logger))
	exec.Start()
	defer exec.Stop()

	server := session.NewServer(exec,
		session.WithHost(cCtx.String("host")),
		session.WithPort(cCtx.Int("port")),
		session.WithDispatchTimeout(cCtx.Duration("timeout")),
		session.WithMaxDispatch(cCtx.Int64("max-dispatch")),
		session.WithServerLogger(logger),
	)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()
	fmt.Printf("serving on %s\n", server.Addr())

	if addr := cCtx.String("control-addr"); addr != "" {
		agent := control.NewAgent(server, control.WithListenAddr(addr), control.WithLogger(logger))
		if err := agent.Start(); err != nil {
			return fmt.Errorf("starting control surface: %w", err)
		}
		defer agent.Stop()
		fmt.Printf("control surface on http://%s\n", agent.Addr())
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// dialer opens a connected session client, either directly or through a control surface tunnel.
type dialer func(ctx context.Context) (*session.Client, error)

func newDialer(cCtx *cli.Context, logger *zap.Logger) dialer {
	opts := []session.ClientOption{
		session.WithCallTimeout(cCtx.Duration("timeout")),
		session.WithClientLogger(logger),
	}
	host, port := cCtx.String("host"), cCtx.Int("port")

	controlURL := cCtx.String("control-url")
	if controlURL == "" {
		return func(ctx context.Context) (*session.Client, error) {
			c := session.NewClient(host, port, opts...)
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return c, nil
		}
	}

	cc := control.NewClient(controlURL, control.WithClientLogger(logger))
	return func(ctx context.Context) (*session.Client, error) {
		conn, err := cc.DialSession(ctx)
		if err != nil {
			return nil, err
		}
		c := session.NewClient(host, port, opts...)
		if err := c.Attach(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return c, nil
	}
}

func connect(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx, "client")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	dial := newDialer(cCtx, logger)
	client, err := dial(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	// interrupts go over their own connection, the main one is busy waiting for the interrupted command
	interrupter, err := dial(ctx)
	if err != nil {
		return err
	}
	defer interrupter.Disconnect()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
			}
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := interrupter.Call(callCtx, command.NewShellExec("interrupt"), nil)
			cancel()
			if err != nil {
				logger.Sugar().Warnf("sending interrupt: %s", err)
			}
		}
	}()

	r := &repl{
		log:    logger.Sugar(),
		in:     os.Stdin,
		out:    os.Stdout,
		client: client,
		prompt: "rpcbridge> ",
	}
	return r.run(ctx)
}

func status(cCtx *cli.Context) error {
	client := control.NewClient(cCtx.String("control-url"))
	st, err := client.Status(cCtx.Context)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	if !st.Running {
		fmt.Println("running: false")
		return nil
	}
	fmt.Printf("running: true\nhost: %s\nport: %d\nclients: %d\n", st.Host, st.Port, st.Clients)
	for _, p := range st.Peers {
		fmt.Printf("  %s\n", p)
	}
	return nil
}
