package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cmdUtil "github.com/ValentinKolb/dMQ/cmd/util"
	"github.com/ValentinKolb/dMQ/rpc/common"
	"github.com/ValentinKolb/dMQ/rpc/entity"
	"github.com/ValentinKolb/dMQ/rpc/protocol"
	"github.com/ValentinKolb/dMQ/rpc/session"
	httpPoll "github.com/ValentinKolb/dMQ/rpc/transport/http"
)

var Logger = logger.GetLogger(common.LoggerCmd)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dMQ server",
		Long:    `Start a dMQ server hosting an echo entity. The configuration can be set via command line flags, environment variables or a TOML file (--config). The format of the environment variables is DMQ_<flag> (e.g. DMQ_ACTIVITY_TIMEOUT=30)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoints"
	ServeCmd.PersistentFlags().String(key, "tcp://0.0.0.0:7070:headersize", cmdUtil.WrapString("Comma-separated list of endpoints to bind. Format: transport://address:protocol where transport is one of tcp, unix, ws and protocol one of headersize, headersize_rr, delimiter_nl, delimiter_crlf, delimiter_null"))

	key = "http-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the HTTP long-poll transport (e.g. 0.0.0.0:8080, empty = disabled)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address on which Prometheus metrics are served at /metrics (empty = disabled)"))

	key = "entity"
	ServeCmd.PersistentFlags().String(key, "echo", cmdUtil.WrapString("Name of the echo entity"))

	key = "cycle-time"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("Interval of the session housekeeping cycle in milliseconds (poll expiry, activity timeouts)"))

	key = "activity-timeout"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Sessions without traffic are closed after this many seconds (0 = never)"))

	key = "max-message-size"
	ServeCmd.PersistentFlags().Int(key, protocol.DefaultMaxMessageSize, cmdUtil.WrapString("Largest accepted message in bytes. Larger frames drop the connection"))

	cmdUtil.SetupSocketFlags(ServeCmd)
}

// processConfig reads the configuration from the config file, the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := cmdUtil.GetServerConfig()
	if err != nil {
		return err
	}
	if len(conf.Endpoints) == 0 && conf.HTTPEndpoint == "" {
		return fmt.Errorf("nothing to serve: no endpoints and no http endpoint configured")
	}
	if _, err := common.ParseContentType(conf.ContentType); err != nil {
		return err
	}
	*serveCmdConfig = *conf

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the dMQ server and blocks until SIGINT/SIGTERM
func run(_ *cobra.Command, _ []string) error {
	conf := serveCmdConfig
	Logger.Infof("Starting dMQ server")
	Logger.Infof(conf.String())

	ct, _ := common.ParseContentType(conf.ContentType)
	bind := session.BindOptions{ContentType: ct}

	sessions := session.NewContainer(
		session.WithRegistry(protocol.NewDefaultRegistry(conf.MaxMessageSize)),
		session.WithSocketConfig(conf.Socket),
		session.WithActivityTimeout(conf.ActivityTimeout()),
	)
	entities := entity.NewContainer(sessions, nil, conf.CycleTime())

	echo, err := entities.AddEntity(conf.EntityName)
	if err != nil {
		return err
	}
	entity.ServeEcho(echo)
	echo.RegisterPeerEvent(func(peer entity.Peer, status common.Status) {
		Logger.Debugf("%s: %s (%s)", echo, peer, status)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the poll server registers its protocol, so it must exist before any bind
	var poll *httpPoll.PollServer
	if conf.HTTPEndpoint != "" {
		poll = httpPoll.NewPollServer(sessions, bind, conf.MaxMessageSize, conf.LogLevel == "debug")
	}

	for _, endpoint := range conf.Endpoints {
		if err := sessions.Bind(endpoint, bind); err != nil {
			sessions.TerminatePollerLoop()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sessions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if poll != nil {
		ln, err := net.Listen("tcp", conf.HTTPEndpoint)
		if err != nil {
			sessions.TerminatePollerLoop()
			return fmt.Errorf("http endpoint %s: %w", conf.HTTPEndpoint, err)
		}
		g.Go(func() error { return poll.Serve(ln) })
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(poll.Shutdown)
		})
	}

	if conf.MetricsEndpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
			metrics.WritePrometheus(w, true)
			sessions.Metrics().WritePrometheus(w)
		})
		server := &http.Server{Addr: conf.MetricsEndpoint, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			Logger.Infof("Serving metrics on %s/metrics", conf.MetricsEndpoint)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(server.Shutdown)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		Logger.Infof("Shutting down")
		sessions.TerminatePollerLoop()
		return nil
	})

	return g.Wait()
}

func shutdown(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fn(ctx)
}
