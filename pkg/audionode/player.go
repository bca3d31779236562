package audionode

import (
	"context"
	"sync"
)

// Player is the ephemeral per-session playback handle, bound to exactly
// one connected node. It is not durable: after a node outage it must be
// recreated before playback can resume.
type Player struct {
	guildID string
	node    *Node

	mu       sync.RWMutex
	position int64
	paused   bool
	volume   int
	playing  bool
}

func newPlayer(guildID string, node *Node) *Player {
	return &Player{
		guildID: guildID,
		node:    node,
		volume:  100,
	}
}

// GuildID returns the session this player belongs to.
func (p *Player) GuildID() string {
	return p.guildID
}

// NodeName returns the name of the node this player is bound to.
func (p *Player) NodeName() string {
	return p.node.Name()
}

// Play starts playback of the given playback token.
func (p *Player) Play(ctx context.Context, encoded string) error {
	err := p.node.updatePlayer(ctx, p.guildID, playerUpdateRequest{
		Track: &playerTrackUpdate{Encoded: &encoded},
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.playing = true
	p.paused = false
	p.position = 0
	p.mu.Unlock()
	return nil
}

// Stop stops playback on the node.
func (p *Player) Stop(ctx context.Context) error {
	var none *string
	err := p.node.updatePlayer(ctx, p.guildID, playerUpdateRequest{
		Track: &playerTrackUpdate{Encoded: none},
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.playing = false
	p.position = 0
	p.mu.Unlock()
	return nil
}

// SetPaused pauses or resumes playback.
func (p *Player) SetPaused(ctx context.Context, paused bool) error {
	err := p.node.updatePlayer(ctx, p.guildID, playerUpdateRequest{Paused: &paused})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// Seek moves the playhead to the given position in milliseconds.
func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	err := p.node.updatePlayer(ctx, p.guildID, playerUpdateRequest{Position: &positionMs})
	if err != nil {
		return err
	}
	p.setPosition(positionMs)
	return nil
}

// SetVolume sets the node-side volume.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	err := p.node.updatePlayer(ctx, p.guildID, playerUpdateRequest{Volume: &volume})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

// Destroy removes the node-side player state.
func (p *Player) Destroy(ctx context.Context) error {
	return p.node.destroyPlayer(ctx, p.guildID)
}

// Position returns the last reported playhead position in milliseconds.
func (p *Player) Position() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Playing reports whether a track is loaded on the node.
func (p *Player) Playing() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing
}

// Volume returns the last applied volume.
func (p *Player) Volume() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.volume
}

func (p *Player) setPosition(positionMs int64) {
	p.mu.Lock()
	p.position = positionMs
	p.mu.Unlock()
}
