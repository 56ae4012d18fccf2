package internal

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/snowfight/snowfight/internal/core"
	"github.com/snowfight/snowfight/internal/core/data"
	"github.com/snowfight/snowfight/internal/core/debug"
	"github.com/snowfight/snowfight/internal/security"
	"github.com/snowfight/snowfight/internal/server"
	"github.com/snowfight/snowfight/internal/session"
)

// Controller is the main entrypoint for the snowfight server. It's responsible
// for initializing any shared resources (such as database and logging),
// defining the server and session, and launching everything.
type Controller struct {
	Config *core.Config
	// Commands is read for operator commands. Defaults to stdin.
	Commands io.Reader
	// Output receives command responses. Defaults to stdout.
	Output io.Writer

	logger *logrus.Logger
	server *server.Server
}

// Start runs the server until ctx is cancelled or the stop command is
// issued.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by everything else.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		if _, err := debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort); err != nil {
			return err
		}
	}

	sec, err := OpenSecurityContext(
		c.Config.QualifiedPath(c.Config.Security.KeystoreFile),
		c.Config.Security.KeystorePassword,
		c.Config.Security.Protocol,
		c.logger,
	)
	if err != nil {
		return err
	}

	store, err := OpenMatchStore(c.Config)
	if err != nil {
		return err
	}
	var recorder session.MatchRecorder
	if store != nil {
		defer data.Close(store.DB)
		recorder = store
	} else {
		c.logger.Info("no database engine configured; match history is disabled")
	}

	listener, err := sec.Listen(c.Config.ListenAddress())
	if err != nil {
		return err
	}

	commands := c.Commands
	if commands == nil {
		commands = os.Stdin
	}
	c.server = server.New(listener, c.logger, server.Options{
		Backlog:           c.Config.Server.Backlog,
		MaxConnections:    c.Config.Server.MaxConnections,
		WriteTimeout:      c.Config.Server.WriteTimeout,
		MessagesPerSecond: c.Config.RateLimit.MessagesPerSecond,
		Burst:             c.Config.RateLimit.Burst,
		MessageLogging:    c.Config.Debugging.MessageLoggingEnabled,
		Commands:          commands,
		Output:            c.Output,
	})
	c.server.AddCommand("cc", "toggle whether new clients are accepted", c.toggleClients)

	state := session.NewState(c.server, recorder, c.logger)
	if err := session.Register(c.server, state); err != nil {
		c.server.Shutdown()
		return err
	}

	return c.server.Run(ctx)
}

func (c *Controller) toggleClients(cmd *server.Command) {
	if c.server.IsAcceptingClients() {
		c.server.DisallowClients()
		fmt.Fprintln(cmd.Out, "no longer accepting clients")
	} else {
		c.server.AllowClients()
		fmt.Fprintln(cmd.Out, "accepting clients")
	}
}

// OpenSecurityContext loads the PKCS#12 keystore at path.
func OpenSecurityContext(path, password, protocol string, logger logrus.FieldLogger) (*security.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &security.ConfigurationError{Reason: "unable to open keystore " + path, Err: err}
	}
	defer f.Close()
	return security.NewContext(f, password, protocol, logger)
}

// OpenMatchStore connects to the configured database. It returns nil without
// an error when no database engine is configured.
func OpenMatchStore(cfg *core.Config) (*data.MatchStore, error) {
	var dataSource string
	switch cfg.Database.Engine {
	case "":
		return nil, nil
	case data.EngineSQLite:
		dataSource = cfg.QualifiedPath(cfg.Database.Filename)
	case data.EnginePostgres:
		dataSource = cfg.DatabaseURL()
	default:
		return nil, fmt.Errorf("unsupported database engine %q", cfg.Database.Engine)
	}

	db, err := data.Open(cfg.Database.Engine, dataSource, cfg.Logging.LogLevel == "trace")
	if err != nil {
		return nil, err
	}
	return &data.MatchStore{DB: db}, nil
}
