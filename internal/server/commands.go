package server

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/snowfight/snowfight/internal/conn"
)

// Command is one operator command line, split on whitespace.
type Command struct {
	Name    string
	Args    []string
	Clients []*conn.Connection
	Out     io.Writer
}

// CommandAction runs an operator command.
type CommandAction func(cmd *Command)

type commandEntry struct {
	help   string
	action CommandAction
}

// AddCommand binds an operator command keyword. The first registration wins;
// it reports false if keyword is already bound.
func (s *Server) AddCommand(keyword, help string, action CommandAction) bool {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()

	if _, ok := s.commands[keyword]; ok {
		return false
	}
	s.commands[keyword] = commandEntry{help: help, action: action}
	return true
}

func (s *Server) addBuiltinCommands() {
	s.AddCommand("stop", "shut the server down", func(*Command) {
		s.Shutdown()
	})
	s.AddCommand("list", "list connected clients", func(cmd *Command) {
		fmt.Fprintf(cmd.Out, "%d connected\n", len(cmd.Clients))
		for _, c := range cmd.Clients {
			fmt.Fprintf(cmd.Out, "  %s  %s\n", c.ID(), c.RemoteAddr())
		}
	})
	s.AddCommand("help", "list available commands", func(cmd *Command) {
		s.actionsMu.RLock()
		keywords := make([]string, 0, len(s.commands))
		for keyword := range s.commands {
			keywords = append(keywords, keyword)
		}
		sort.Strings(keywords)
		for _, keyword := range keywords {
			fmt.Fprintf(cmd.Out, "  %-8s %s\n", keyword, s.commands[keyword].help)
		}
		s.actionsMu.RUnlock()
	})
}

// Execute runs a single operator command line. Unknown commands are reported
// on the output and otherwise ignored. Blank lines do nothing.
func (s *Server) Execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	s.actionsMu.RLock()
	entry, ok := s.commands[fields[0]]
	s.actionsMu.RUnlock()

	if !ok {
		fmt.Fprintf(s.opts.Output, "Invalid command: %q\n", fields[0])
		return
	}
	entry.action(&Command{
		Name:    fields[0],
		Args:    fields[1:],
		Clients: s.registry.snapshot(),
		Out:     s.opts.Output,
	})
}

// readCommands interprets operator commands until the input ends or the
// server is shut down.
func (s *Server) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if s.ctx.Err() != nil {
			return
		}
		s.Execute(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warnf("[SERVER] error reading commands: %v", err)
	}
}
