package session

import (
	"fmt"

	"github.com/snowfight/snowfight/internal/conn"
	"github.com/snowfight/snowfight/internal/server"
	"github.com/snowfight/snowfight/internal/wire"
)

// Register binds the session to srv: joins and leaves follow the registry,
// and every client to server message is handled by s.
func Register(srv *server.Server, s *State) error {
	srv.AddOnClientConnect(func(c *conn.Connection, _ []*conn.Connection) {
		s.Join(c)
	})
	srv.AddOnClientDisconnect(func(c *conn.Connection, _ []*conn.Connection) {
		s.Leave(c.ID())
	})

	handlers := map[wire.ID]func(Peer, *wire.Reader) error{
		wire.KeyPress:         s.KeyPress,
		wire.KeyRelease:       s.KeyRelease,
		wire.SyncTransform:    s.SyncTransform,
		wire.CreateSnowball:   s.CreateSnowball,
		wire.TemperatureDeath: s.TemperatureDeath,
		wire.HitDamageDeath:   s.HitDamageDeath,
	}
	for id, handle := range handlers {
		handle := handle
		err := srv.AddClientAction(id, func(c *conn.Connection, _ []*conn.Connection) error {
			return handle(c, c.In())
		})
		if err != nil {
			return fmt.Errorf("error binding %s: %w", wire.ServerBoundName(id), err)
		}
	}

	srv.AddCommand("players", "list the players of the current match", func(cmd *server.Command) {
		players := s.Players()
		running := "not running"
		if s.MatchRunning() {
			running = "running"
		}
		fmt.Fprintf(cmd.Out, "%d player(s), match %s\n", len(players), running)
		for _, p := range players {
			fmt.Fprintf(cmd.Out, "  %s\n", p)
		}
	})
	return nil
}
