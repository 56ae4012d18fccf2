package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/snowfight/snowfight/internal"
	"github.com/snowfight/snowfight/internal/client"
	"github.com/snowfight/snowfight/internal/core"
	"github.com/snowfight/snowfight/internal/wire"
)

const quitReason = "Closed the window."

var AttemptsFlag int

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connects a headless game client for manual testing",
	Long: "Connects to client.host, logs every event relayed by the server and sends\n" +
		"one message per line read from stdin:\n\n" +
		"  press KEY | release KEY | move X Y ROT | snowball X Y ROT | die | hit PLAYER | quit",
	RunE: ClientCommand,
}

func ClientCommand(cmd *cobra.Command, args []string) error {
	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	logger, err := core.NewLogger(config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	sec, err := internal.OpenSecurityContext(
		config.QualifiedPath(config.Client.TruststoreFile),
		config.Client.TruststorePassword,
		config.Security.Protocol,
		logger,
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := client.NewDialer(sec, logger, AttemptsFlag, time.Second, 30*time.Second)
	c, err := dialer.Dial(ctx, config.ClientAddress())
	if err != nil {
		return err
	}
	player, err := c.ReadPlayerNumber()
	if err != nil {
		c.Shutdown()
		return fmt.Errorf("error reading player number: %w", err)
	}
	logger.Infof("[CLIENT] joined as player %d", player)

	if err := bindEventLogging(c, logger); err != nil {
		c.Shutdown()
		return err
	}
	// The receive loop outlives the signal so that the leave reason can still
	// be sent below.
	if err := c.Run(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			id, values, err := parseClientCommand(scanner.Text(), player)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if id == wire.Leave {
				leave(c, logger)
				return
			}
			if err := c.Send(id, values...); err != nil {
				logger.Warnf("[CLIENT] failed to send %s: %v", wire.ServerBoundName(id), err)
				return
			}
		}
	}()

	select {
	case <-c.Done():
	case <-ctx.Done():
		leave(c, logger)
	}
	if reason := c.LeaveReason(); reason != "" {
		logger.Infof("[CLIENT] server closed the connection: %s", reason)
	}
	return c.Err()
}

// eventLayouts describes the fields of every message a game client reacts
// to: i is a 32-bit integer, f a 32-bit float and s a string.
var eventLayouts = map[wire.ID]string{
	wire.AddPlayer:              "i",
	wire.RemovePlayer:           "i",
	wire.PlayerKeyPress:         "is",
	wire.PlayerKeyRelease:       "is",
	wire.PlayerSyncTransform:    "ifff",
	wire.PlayerCreateSnowball:   "ifff",
	wire.PlayerTemperatureDeath: "ii",
	wire.PlayerHitDamageDeath:   "ii",
	wire.PlayerWins:             "i",
	wire.ReloadGameState:        "",
}

// bindEventLogging logs every event the server relays to c.
func bindEventLogging(c *client.Client, logger logrus.FieldLogger) error {
	for id, layout := range eventLayouts {
		if err := c.AddServerAction(id, logEvent(logger, id, layout)); err != nil {
			return fmt.Errorf("error binding %s: %w", wire.ClientBoundName(id), err)
		}
	}
	return nil
}

func leave(c *client.Client, logger logrus.FieldLogger) {
	if err := c.Disconnect(quitReason); err != nil {
		logger.Warnf("[CLIENT] error disconnecting: %v", err)
	}
}

func logEvent(logger logrus.FieldLogger, id wire.ID, layout string) client.ServerAction {
	return func(c *client.Client) error {
		values, err := readFields(c.In(), layout)
		if err != nil {
			return err
		}
		logger.Infof("[CLIENT] %s %v", wire.ClientBoundName(id), values)
		return nil
	}
}

func readFields(r *wire.Reader, layout string) ([]interface{}, error) {
	values := make([]interface{}, 0, len(layout))
	for _, kind := range layout {
		var (
			value interface{}
			err   error
		)
		switch kind {
		case 'i':
			value, err = r.ReadInt32()
		case 'f':
			value, err = r.ReadFloat32()
		case 's':
			value, err = r.ReadString()
		default:
			return nil, fmt.Errorf("unknown field kind %q", kind)
		}
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

var errUsage = errors.New("usage: press KEY | release KEY | move X Y ROT | snowball X Y ROT | die | hit PLAYER | quit")

// parseClientCommand turns one line of input into the message it stands for.
// quit is returned as wire.Leave.
func parseClientCommand(line string, player int32) (wire.ID, []interface{}, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, nil, errUsage
	}

	switch command, args := strings.ToLower(fields[0]), fields[1:]; command {
	case "press", "release":
		if len(args) != 1 {
			return 0, nil, errUsage
		}
		id := wire.KeyPress
		if command == "release" {
			id = wire.KeyRelease
		}
		return id, []interface{}{player, strings.ToUpper(args[0])}, nil
	case "move", "snowball":
		if len(args) != 3 {
			return 0, nil, errUsage
		}
		values := []interface{}{player}
		for _, arg := range args {
			f, err := strconv.ParseFloat(arg, 32)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid number %q", arg)
			}
			values = append(values, float32(f))
		}
		id := wire.SyncTransform
		if command == "snowball" {
			id = wire.CreateSnowball
		}
		return id, values, nil
	case "die":
		return wire.TemperatureDeath, []interface{}{player, wire.NoAttacker}, nil
	case "hit":
		if len(args) != 1 {
			return 0, nil, errUsage
		}
		attacker, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid player %q", args[0])
		}
		return wire.HitDamageDeath, []interface{}{player, int32(attacker)}, nil
	case "quit":
		return wire.Leave, nil, nil
	}
	return 0, nil, errUsage
}
