package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowfight/snowfight/internal"
	"github.com/snowfight/snowfight/internal/core"
	"github.com/snowfight/snowfight/internal/core/data"
)

var LimitFlag int

var matchesCmd = &cobra.Command{
	Use:   "matches",
	Short: "Lists recently concluded matches from the match history",
	RunE:  MatchesCommand,
}

func MatchesCommand(cmd *cobra.Command, args []string) error {
	config, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		return err
	}
	store, err := internal.OpenMatchStore(config)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("no database engine is configured")
	}
	defer data.Close(store.DB)

	ctx := context.Background()
	matches, err := store.RecentMatches(ctx, LimitFlag)
	if err != nil {
		return err
	}
	wins, err := store.WinsByPlayer(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENDED\tDURATION\tPLAYERS\tWINNER")
	for _, m := range matches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
			m.ID, m.EndedAt.Format("2006-01-02 15:04:05"), m.Duration().Round(time.Second), m.Players, m.Winner)
	}
	w.Flush()

	players := make([]int32, 0, len(wins))
	for player := range wins {
		players = append(players, player)
	}
	sort.Slice(players, func(i, j int) bool { return wins[players[i]] > wins[players[j]] })

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLAYER\tWINS")
	for _, player := range players {
		fmt.Fprintf(w, "%d\t%d\n", player, wins[player])
	}
	return w.Flush()
}
