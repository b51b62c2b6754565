package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/eventlive/realtime"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	cmd := &cli.Command{
		Name:  "realtimed",
		Usage: "realtime broadcast node for the ticketing platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8090",
				Usage:   "listen address",
				Sources: cli.EnvVars("REALTIME_ADDR"),
			},
			&cli.StringFlag{
				Name:  "ws-path",
				Value: "/ws",
				Usage: "websocket endpoint path",
			},
			&cli.DurationFlag{
				Name:  "heartbeat-interval",
				Value: 30 * time.Second,
				Usage: "interval between heartbeat frames",
			},
			&cli.StringFlag{
				Name:    "publish-token",
				Usage:   "bearer token required on /publish (empty disables auth)",
				Sources: cli.EnvVars("REALTIME_PUBLISH_TOKEN"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (trace|debug|info|warn|error)",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)

	srv := realtime.NewServer(
		realtime.WithServerLogger(realtime.NewLogrusLogger(log)),
		realtime.WithHeartbeatInterval(cmd.Duration("heartbeat-interval")),
	)
	defer srv.Close()

	var (
		wsPath    = cmd.String("ws-path")
		token     = cmd.String("publish-token")
		wsHandler = srv.Handler()
		metrics   = fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	)

	httpSrv := &fasthttp.Server{
		Name: "realtimed",
		Handler: func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case wsPath:
				wsHandler(ctx)
			case "/publish":
				handlePublish(ctx, srv, token)
			case "/metrics":
				metrics(ctx)
			case "/healthz":
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetBodyString("ok")
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
	}

	errC := make(chan error, 1)
	go func() {
		errC <- httpSrv.ListenAndServe(cmd.String("addr"))
	}()
	log.WithField("addr", cmd.String("addr")).Info("realtime node listening")

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errC:
		return err
	case <-sigC:
		log.Info("shutting down")
	case <-ctx.Done():
	}

	return httpSrv.Shutdown()
}

// handlePublish is the producer-facing entry point: business components
// (ticket sales, raffle draws, event edits) POST typed frames here and the
// broadcast layer fans them out. Fire and forget: 202 means accepted, not
// delivered.
func handlePublish(ctx *fasthttp.RequestCtx, srv *realtime.Server, token string) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}
	if token != "" {
		auth := string(ctx.Request.Header.Peek("Authorization"))
		if auth != "Bearer "+token {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
	}

	var req struct {
		Channel string          `json:"channel"`
		Message json.RawMessage `json:"message"`
	}
	if err := codec.Unmarshal(ctx.PostBody(), &req); err != nil || req.Channel == "" {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString("channel and message are required")
		return
	}

	msg, err := realtime.DecodeMessage(req.Message)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetBodyString(err.Error())
		return
	}

	srv.Publish(req.Channel, msg)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}
