// Package session implements the authoritative game session of a snowfight
// server: player numbering, relaying of player events, elimination tracking
// and the last-player-standing win condition.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/snowfight/snowfight/internal/conn"
	"github.com/snowfight/snowfight/internal/core/data"
	"github.com/snowfight/snowfight/internal/wire"
)

// MatchOverReason is sent to every client when a match has been won.
const MatchOverReason = "Match over."

const recordTimeout = 5 * time.Second

// Peer is a connection the session can reply to.
type Peer interface {
	ID() conn.ID
	Send(id wire.ID, values ...interface{}) error
	WriteRaw(data []byte) error
}

// Hub is the connection registry the session runs on.
type Hub interface {
	Contains(id conn.ID) bool
	WasRemoved(id conn.ID) bool
	RemoveClient(id conn.ID) bool
	AllowClients()
	DisallowClients()
	DisconnectAll(reason string)
}

// MatchRecorder stores the outcome of concluded matches.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, match *data.MatchRecord) error
}

// Player describes one joined player.
type Player struct {
	Number     int32
	Connection conn.ID
	Alive      bool
}

func (p Player) String() string {
	state := "alive"
	if !p.Alive {
		state = "dead"
	}
	return fmt.Sprintf("player %d  %s  %s", p.Number, state, p.Connection)
}

// State is the session shared by every connection. A single mutex guards all
// of it, and no send failure is acted on while it is held.
type State struct {
	hub      Hub
	recorder MatchRecorder
	logger   logrus.FieldLogger
	now      func() time.Time

	mu           sync.Mutex
	playerOf     map[conn.ID]int32
	peerOf       map[int32]Peer
	alive        map[int32]bool
	nextPlayer   int32
	matchRunning bool
	matchStarted time.Time
}

// NewState creates an empty session. recorder may be nil to skip recording
// match history.
func NewState(hub Hub, recorder MatchRecorder, logger logrus.FieldLogger) *State {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &State{
		hub:      hub,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	s.resetLocked()
	return s
}

func (s *State) resetLocked() {
	s.playerOf = make(map[conn.ID]int32)
	s.peerOf = make(map[int32]Peer)
	s.alive = make(map[int32]bool)
	s.nextPlayer = 0
	s.matchRunning = false
	s.matchStarted = time.Time{}
}

// MatchRunning reports whether at least two players have joined the current
// match and it has not been won yet.
func (s *State) MatchRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchRunning
}

// Players returns the joined players ordered by player number.
func (s *State) Players() []Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	players := make([]Player, 0, len(s.peerOf))
	for _, number := range s.numbersLocked() {
		players = append(players, Player{
			Number:     number,
			Connection: s.peerOf[number].ID(),
			Alive:      s.alive[number],
		})
	}
	return players
}

func (s *State) numbersLocked() []int32 {
	numbers := make([]int32, 0, len(s.peerOf))
	for number := range s.peerOf {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

// broadcastLocked sends a message to every joined player except the one with
// connection id except, and returns the peers the send failed for.
func (s *State) broadcastLocked(except conn.ID, id wire.ID, values ...interface{}) []Peer {
	var failed []Peer
	for _, number := range s.numbersLocked() {
		peer := s.peerOf[number]
		if peer.ID() == except {
			continue
		}
		if err := peer.Send(id, values...); err != nil {
			s.logger.WithField("connection", peer.ID().Short()).
				Debugf("[SESSION] failed to send %s: %v", wire.ClientBoundName(id), err)
			failed = append(failed, peer)
		}
	}
	return failed
}

// removeFailed drops connections a send failed for. It must be called without
// holding the lock, since removal runs the disconnect hooks.
func (s *State) removeFailed(failed []Peer) {
	seen := make(map[conn.ID]bool)
	for _, peer := range failed {
		if seen[peer.ID()] {
			continue
		}
		seen[peer.ID()] = true

		logger := s.logger.WithField("connection", peer.ID().Short())
		switch {
		case s.hub.WasRemoved(peer.ID()):
			logger.Debug("[SESSION] send failed for an already removed connection")
		case !s.hub.Contains(peer.ID()):
			logger.Debug("[SESSION] send failed for an unknown connection")
		default:
			logger.Warn("[SESSION] removing connection after a failed send")
			s.hub.RemoveClient(peer.ID())
		}
	}
}

// Join assigns the next player number to p, sends p its number and tells the
// other players and p about each other.
func (s *State) Join(p Peer) {
	s.mu.Lock()

	s.nextPlayer++
	number := s.nextPlayer
	logger := s.logger.WithField("connection", p.ID().Short())

	greeting, _ := wire.EncodeRaw(number)
	if err := p.WriteRaw(greeting); err != nil {
		s.mu.Unlock()
		logger.Warnf("[SESSION] failed to send player number %d: %v", number, err)
		s.hub.RemoveClient(p.ID())
		return
	}

	s.playerOf[p.ID()] = number
	s.peerOf[number] = p
	s.alive[number] = true
	logger.Infof("[SESSION] client set to player %d", number)

	failed := s.broadcastLocked(p.ID(), wire.AddPlayer, number)
	for _, other := range s.numbersLocked() {
		if other == number {
			continue
		}
		if err := p.Send(wire.AddPlayer, other); err != nil {
			failed = append(failed, p)
			break
		}
	}

	if len(s.peerOf) > 1 && !s.matchRunning {
		s.matchRunning = true
		s.matchStarted = s.now()
		s.logger.Infof("[SESSION] match started with %d players", len(s.peerOf))
	}
	s.mu.Unlock()

	s.removeFailed(failed)
}

// Leave forgets the player on connection id and tells the others it is gone.
// Leaving never decides a match: with fewer than two players left the match
// stops, and an empty session starts over.
func (s *State) Leave(id conn.ID) {
	s.mu.Lock()

	number, ok := s.playerOf[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.playerOf, id)
	delete(s.peerOf, number)
	delete(s.alive, number)
	s.logger.WithField("connection", id.Short()).Infof("[SESSION] player %d left", number)

	failed := s.broadcastLocked(id, wire.RemovePlayer, number)

	switch {
	case len(s.peerOf) == 0:
		s.resetLocked()
	case len(s.peerOf) < 2 && s.matchRunning:
		s.matchRunning = false
		s.logger.Info("[SESSION] match stopped, waiting for more players")
	}
	s.mu.Unlock()

	s.removeFailed(failed)
}

// KeyPress relays a movement key press from sender to the other players.
func (s *State) KeyPress(sender Peer, r *wire.Reader) error {
	return s.relayKey(sender, r, "pressed", wire.PlayerKeyPress)
}

// KeyRelease relays a movement key release from sender to the other players.
func (s *State) KeyRelease(sender Peer, r *wire.Reader) error {
	return s.relayKey(sender, r, "released", wire.PlayerKeyRelease)
}

func (s *State) relayKey(sender Peer, r *wire.Reader, verb string, relay wire.ID) error {
	player, err := r.ReadInt32()
	if err != nil {
		return err
	}
	key, err := r.ReadString()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.peerOf[player]; !ok {
		s.mu.Unlock()
		s.unknownPlayer(sender, player)
		return nil
	}
	if !IsValidKey(key) {
		s.mu.Unlock()
		s.logger.WithField("connection", sender.ID().Short()).
			Warnf("[SESSION] invalid key %s %q from player %d", verb, key, player)
		return nil
	}
	s.logger.WithField("connection", sender.ID().Short()).
		Tracef("[SESSION] player %d %s %s", player, verb, key)
	failed := s.broadcastLocked(sender.ID(), relay, player, key)
	s.mu.Unlock()

	s.removeFailed(failed)
	return nil
}

// SyncTransform relays a player's position and rotation.
func (s *State) SyncTransform(sender Peer, r *wire.Reader) error {
	return s.relayVector(sender, r, wire.PlayerSyncTransform)
}

// CreateSnowball relays a thrown snowball's trajectory and rotation.
func (s *State) CreateSnowball(sender Peer, r *wire.Reader) error {
	return s.relayVector(sender, r, wire.PlayerCreateSnowball)
}

func (s *State) relayVector(sender Peer, r *wire.Reader, relay wire.ID) error {
	player, err := r.ReadInt32()
	if err != nil {
		return err
	}
	var v [3]float32
	for i := range v {
		if v[i], err = r.ReadFloat32(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if _, ok := s.peerOf[player]; !ok {
		s.mu.Unlock()
		s.unknownPlayer(sender, player)
		return nil
	}
	s.logger.WithField("connection", sender.ID().Short()).
		Tracef("[SESSION] %s player %d to %v %v %v", wire.ClientBoundName(relay), player, v[0], v[1], v[2])
	failed := s.broadcastLocked(sender.ID(), relay, player, v[0], v[1], v[2])
	s.mu.Unlock()

	s.removeFailed(failed)
	return nil
}

// TemperatureDeath relays that a player froze. The other player is
// wire.NoAttacker when no snowball was involved.
func (s *State) TemperatureDeath(sender Peer, r *wire.Reader) error {
	return s.playerDied(sender, r, wire.PlayerTemperatureDeath)
}

// HitDamageDeath relays that a player was knocked out by another's snowball.
func (s *State) HitDamageDeath(sender Peer, r *wire.Reader) error {
	return s.playerDied(sender, r, wire.PlayerHitDamageDeath)
}

func (s *State) playerDied(sender Peer, r *wire.Reader, relay wire.ID) error {
	player, err := r.ReadInt32()
	if err != nil {
		return err
	}
	other, err := r.ReadInt32()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.peerOf[player]; !ok {
		s.mu.Unlock()
		s.unknownPlayer(sender, player)
		return nil
	}
	failed := s.broadcastLocked(sender.ID(), relay, player, other)

	s.alive[player] = false
	s.logger.Infof("[SESSION] player %d died, %d player(s) left alive", player, s.aliveCountLocked())

	win := s.checkWinLocked()
	if win != nil {
		failed = append(failed, win.failed...)
	}
	s.mu.Unlock()

	s.removeFailed(failed)
	s.finish(win)
	return nil
}

// unknownPlayer disconnects a client that referenced a player number that is
// not part of the session.
func (s *State) unknownPlayer(sender Peer, player int32) {
	s.logger.WithField("connection", sender.ID().Short()).
		Warnf("[SESSION] player %d was not found, disconnecting", player)
	s.hub.RemoveClient(sender.ID())
}

func (s *State) aliveCountLocked() int {
	count := 0
	for _, alive := range s.alive {
		if alive {
			count++
		}
	}
	return count
}

// win is a concluded match waiting to be recorded and torn down once the
// lock is released.
type win struct {
	match  *data.MatchRecord
	failed []Peer
}

// checkWinLocked ends the match if it is running and exactly one player is
// still alive: new clients are turned away, everyone is told who won and the
// session is cleared for the next match.
func (s *State) checkWinLocked() *win {
	if !s.matchRunning || s.aliveCountLocked() != 1 {
		return nil
	}

	var winner int32
	for number, alive := range s.alive {
		if alive {
			winner = number
		}
	}
	s.logger.Infof("[SESSION] only player %d is alive", winner)

	s.hub.DisallowClients()
	failed := s.broadcastLocked("", wire.PlayerWins, winner)

	match := &data.MatchRecord{
		StartedAt: s.matchStarted,
		EndedAt:   s.now(),
		Winner:    winner,
		Players:   int(s.nextPlayer),
	}
	s.resetLocked()

	return &win{match: match, failed: failed}
}

// finish records a concluded match and disconnects everyone so that the next
// match starts from an empty session.
func (s *State) finish(w *win) {
	if w == nil {
		return
	}

	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := s.recorder.RecordMatch(ctx, w.match); err != nil {
			s.logger.Errorf("[SESSION] failed to record match: %v", err)
		}
		cancel()
	}

	s.hub.DisconnectAll(MatchOverReason)
	s.hub.AllowClients()
	s.logger.Info("[SESSION] ready for the next match")
}
