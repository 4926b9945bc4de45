package gigbuds

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gigbuds/go-realtime-sdk/util"
)

// GroupMembership tracks the groups the session wants to be in and the groups it has
// actually joined on the live connection.
type GroupMembership struct {
	manager *ConnectionManager

	mu      sync.Mutex
	desired []string
	joined  map[string]struct{}
}

func NewGroupMembership(manager *ConnectionManager, groups []string) *GroupMembership {
	g := &GroupMembership{
		manager: manager,
		joined:  make(map[string]struct{}),
	}
	g.SetDesiredGroups(groups)
	return g
}

// SetDesiredGroups replaces the set re-asserted after every (re)connect. Blank and
// duplicate names are dropped; order is kept.
func (g *GroupMembership) SetDesiredGroups(groups []string) {
	seen := make(map[string]struct{}, len(groups))
	desired := make([]string, 0, len(groups))
	for _, group := range groups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		if _, ok := seen[group]; ok {
			continue
		}
		seen[group] = struct{}{}
		desired = append(desired, group)
	}

	g.mu.Lock()
	g.desired = desired
	g.mu.Unlock()
}

func (g *GroupMembership) DesiredGroups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.desired...)
}

func (g *GroupMembership) JoinedGroups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	groups := make([]string, 0, len(g.joined))
	for _, group := range g.desired {
		if _, ok := g.joined[group]; ok {
			groups = append(groups, group)
		}
	}
	for group := range g.joined {
		if !slices.Contains(g.desired, group) {
			groups = append(groups, group)
		}
	}
	return groups
}

// AddToGroup asks the hub to add this connection to group. It returns false without
// contacting the hub unless the manager is connected.
func (g *GroupMembership) AddToGroup(ctx context.Context, group string) bool {
	conn := g.manager.activeConnection()
	if conn == nil {
		util.Warnf("Cannot join group %s: not connected", group)
		return false
	}
	if err := conn.Invoke(ctx, HubMethod_AddToGroup, group); err != nil {
		util.Warnf("Failed to join group %s: %v", group, err)
		return false
	}

	g.mu.Lock()
	g.joined[group] = struct{}{}
	g.mu.Unlock()
	util.Debugf("Joined group %s", group)
	return true
}

func (g *GroupMembership) RemoveFromGroup(ctx context.Context, group string) bool {
	conn := g.manager.activeConnection()
	if conn == nil {
		util.Warnf("Cannot leave group %s: not connected", group)
		return false
	}
	if err := conn.Invoke(ctx, HubMethod_RemoveFromGroup, group); err != nil {
		util.Warnf("Failed to leave group %s: %v", group, err)
		return false
	}

	g.mu.Lock()
	delete(g.joined, group)
	g.mu.Unlock()
	util.Debugf("Left group %s", group)
	return true
}

// JoinAll joins every desired group once and reports how many joins succeeded.
func (g *GroupMembership) JoinAll(ctx context.Context) int {
	joined := 0
	for _, group := range g.DesiredGroups() {
		if g.AddToGroup(ctx, group) {
			joined++
		}
	}
	return joined
}

// LeaveAll leaves every joined group, carrying on past failures. The joined set is
// empty afterwards either way: the connection it referred to is about to go away.
func (g *GroupMembership) LeaveAll(ctx context.Context) {
	for _, group := range g.JoinedGroups() {
		g.RemoveFromGroup(ctx, group)
	}

	g.mu.Lock()
	g.joined = make(map[string]struct{})
	g.mu.Unlock()
}

// reset forgets joined groups without contacting the hub, used when the connection drops.
func (g *GroupMembership) reset() {
	g.mu.Lock()
	g.joined = make(map[string]struct{})
	g.mu.Unlock()
}
