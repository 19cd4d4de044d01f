package legion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/legionhq/legion/bus"
)

// CollabPolicy bounds a collaboration group: how chatty members may
// be, how long the group lives, which message types may cross it, and
// which payload keys data messages may carry.
type CollabPolicy struct {
	Type              string
	MessagesPerMinute int
	MaxLifetime       time.Duration

	// AllowedTypes restricts the message types publishable in the
	// group beyond the global group-message set.
	AllowedTypes []MessageType

	// AllowedKeys whitelists payload keys for DATA_SHARE and
	// REQUEST_DATA messages. Empty means unrestricted.
	AllowedKeys []string
}

func (p CollabPolicy) allowsType(t MessageType) bool {
	for _, a := range p.AllowedTypes {
		if a == t {
			return true
		}
	}
	return false
}

// Collaboration type presets.
var collabPresets = map[string]CollabPolicy{
	"data_sharing": {
		Type:              "data_sharing",
		MessagesPerMinute: 20,
		MaxLifetime:       45 * time.Minute,
		AllowedTypes:      []MessageType{TypeDataShare, TypeRequestData, TypeStatusUpdate},
	},
	"validation_chain": {
		Type:              "validation_chain",
		MessagesPerMinute: 15,
		MaxLifetime:       30 * time.Minute,
		AllowedTypes:      []MessageType{TypeDataShare, TypeValidation, TypeStatusUpdate, TypeErrorReport},
	},
	"parallel_analysis": {
		Type:              "parallel_analysis",
		MessagesPerMinute: 25,
		MaxLifetime:       60 * time.Minute,
		AllowedTypes:      []MessageType{TypeDataShare, TypeStatusUpdate, TypeCoordination},
	},
	"sequential_workflow": {
		Type:              "sequential_workflow",
		MessagesPerMinute: 10,
		MaxLifetime:       90 * time.Minute,
		AllowedTypes:      []MessageType{TypeDataShare, TypeStatusUpdate, TypeCoordination, TypeRequestData},
	},
}

// CollabTypes lists the known collaboration type presets.
func CollabTypes() []string {
	out := make([]string, 0, len(collabPresets))
	for name := range collabPresets {
		out = append(out, name)
	}
	return out
}

// PolicyFor resolves a collaboration type to its policy, with the
// shared-data key whitelist applied.
func PolicyFor(collabType string, sharedKeys []string) (CollabPolicy, error) {
	p, ok := collabPresets[collabType]
	if !ok {
		return CollabPolicy{}, fmt.Errorf("unknown collaboration type %q", collabType)
	}
	p.AllowedKeys = append([]string(nil), sharedKeys...)
	return p, nil
}

// memberBucket is a token bucket with continuous refill.
type memberBucket struct {
	perMinute float64
	tokens    float64
	lastTime  time.Time
}

func newMemberBucket(perMinute int) *memberBucket {
	return &memberBucket{
		perMinute: float64(perMinute),
		tokens:    float64(perMinute),
		lastTime:  time.Now(),
	}
}

// allow consumes one token if available. Caller holds the group lock.
func (b *memberBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.lastTime).Minutes()
	b.lastTime = now

	b.tokens += elapsed * b.perMinute
	if b.tokens > b.perMinute {
		b.tokens = b.perMinute
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Group is a bounded collaboration context. Each group owns a
// dedicated bus channel, so traffic in one group is structurally
// invisible to every other.
type Group struct {
	ID        string
	Policy    CollabPolicy
	CreatedAt time.Time

	mu      sync.Mutex
	members map[string]*memberBucket // instance id -> rate bucket
	subs    []*GroupSub
}

// Expired reports whether the group has outlived its policy lifetime.
func (g *Group) Expired() bool {
	return time.Since(g.CreatedAt) > g.Policy.MaxLifetime
}

// Members returns the member instance ids.
func (g *Group) Members() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

func (g *Group) isMember(instanceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.members[instanceID]
	return ok
}

// GroupInfo is a point-in-time snapshot of a group.
type GroupInfo struct {
	ID        string
	Type      string
	Members   []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Groups manages collaboration groups over the message bus: creation,
// membership, the publish validation pipeline, and expiry teardown.
type Groups struct {
	bus bus.Bus

	mu     sync.Mutex
	groups map[string]*Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroups creates a group manager and starts its expiry sweeper.
func NewGroups(b bus.Bus) *Groups {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Groups{
		bus:    b,
		groups: make(map[string]*Group),
		ctx:    ctx,
		cancel: cancel,
	}
	g.wg.Add(1)
	go g.sweep()
	return g
}

// Create makes a group under the policy with the given initial
// members.
func (gm *Groups) Create(policy CollabPolicy, memberIDs []string) *Group {
	g := &Group{
		ID:        "grp-" + uuid.New().String()[:8],
		Policy:    policy,
		CreatedAt: time.Now(),
		members:   make(map[string]*memberBucket),
	}
	for _, id := range memberIDs {
		g.members[id] = newMemberBucket(policy.MessagesPerMinute)
	}

	gm.mu.Lock()
	gm.groups[g.ID] = g
	gm.mu.Unlock()

	slog.Info("collaboration group created",
		"group", g.ID,
		"type", policy.Type,
		"members", len(memberIDs))
	return g
}

// Get returns a group by id.
func (gm *Groups) Get(groupID string) (*Group, error) {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	g, ok := gm.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return g, nil
}

// List snapshots every live group.
func (gm *Groups) List() []GroupInfo {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	out := make([]GroupInfo, 0, len(gm.groups))
	for _, g := range gm.groups {
		out = append(out, GroupInfo{
			ID:        g.ID,
			Type:      g.Policy.Type,
			Members:   g.Members(),
			CreatedAt: g.CreatedAt,
			ExpiresAt: g.CreatedAt.Add(g.Policy.MaxLifetime),
		})
	}
	return out
}

// Join adds an instance to a group.
func (gm *Groups) Join(groupID, instanceID string) error {
	g, err := gm.Get(groupID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[instanceID]; !ok {
		g.members[instanceID] = newMemberBucket(g.Policy.MessagesPerMinute)
	}
	return nil
}

// Leave removes an instance from a group. A group whose last member
// leaves is torn down.
func (gm *Groups) Leave(groupID, instanceID string) error {
	g, err := gm.Get(groupID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	delete(g.members, instanceID)
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		gm.remove(g.ID, "empty")
	}
	return nil
}

// Publish runs the validation pipeline and, on success, fans the
// envelope out on the group's channel. Checks run in a fixed order:
// group liveness, membership, message type, payload whitelist, rate
// limit. The first failure wins and nothing is published.
func (gm *Groups) Publish(ctx context.Context, env *Envelope) error {
	g, err := gm.Get(env.GroupID)
	if err != nil {
		return err
	}
	if g.Expired() {
		gm.remove(g.ID, "expired")
		return &ValidationError{GroupID: g.ID, Reason: "group has expired"}
	}

	if !g.isMember(env.SenderID) {
		return &ValidationError{GroupID: g.ID, Reason: fmt.Sprintf("sender %s is not a member", env.SenderID)}
	}
	if !collabTypes[env.Type] {
		return &ValidationError{GroupID: g.ID, Reason: fmt.Sprintf("message type %q not allowed in groups", env.Type)}
	}
	if !g.Policy.allowsType(env.Type) {
		return &ValidationError{GroupID: g.ID, Reason: fmt.Sprintf("message type %q not allowed in %s groups", env.Type, g.Policy.Type)}
	}
	if env.Type == TypeDataShare || env.Type == TypeRequestData {
		if err := checkKeys(g.Policy.AllowedKeys, env.Payload); err != nil {
			return &ValidationError{GroupID: g.ID, Reason: err.Error()}
		}
	}

	g.mu.Lock()
	bucket := g.members[env.SenderID]
	allowed := bucket != nil && bucket.allow()
	g.mu.Unlock()
	if !allowed {
		return fmt.Errorf("%w: sender %s in group %s", ErrRateLimitExceeded, env.SenderID, g.ID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return gm.bus.Publish(ctx, bus.GroupChannel(g.ID), data)
}

// checkKeys enforces the shared-data key whitelist. An empty whitelist
// means the group was created without one and keys are unrestricted.
func checkKeys(allowed []string, payload map[string]any) error {
	if len(allowed) == 0 {
		return nil
	}
	for k := range payload {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("payload key %q not in group whitelist", k)
		}
	}
	return nil
}

// GroupSub is a member's filtered view of a group channel.
type GroupSub struct {
	ch    chan *Envelope
	inner bus.Subscription
	once  sync.Once
}

// C returns the envelope channel. It is closed on Unsubscribe and on
// group teardown.
func (s *GroupSub) C() <-chan *Envelope { return s.ch }

// Unsubscribe detaches from the group channel. Envelopes still
// buffered at that point are discarded.
func (s *GroupSub) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()
		go func() {
			for range s.ch {
			}
		}()
	})
}

// Subscribe attaches a member to the group's channel. The member's own
// messages and expired envelopes are filtered out.
func (gm *Groups) Subscribe(ctx context.Context, groupID, instanceID string) (*GroupSub, error) {
	g, err := gm.Get(groupID)
	if err != nil {
		return nil, err
	}
	if !g.isMember(instanceID) {
		return nil, &ValidationError{GroupID: groupID, Reason: fmt.Sprintf("instance %s is not a member", instanceID)}
	}

	inner, err := gm.bus.Subscribe(ctx, bus.GroupChannel(groupID))
	if err != nil {
		return nil, err
	}

	sub := &GroupSub{
		ch:    make(chan *Envelope, 64),
		inner: inner,
	}
	g.mu.Lock()
	g.subs = append(g.subs, sub)
	g.mu.Unlock()
	go func() {
		defer close(sub.ch)
		for data := range inner.C() {
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				slog.Warn("malformed group message discarded", "group", groupID, "error", err)
				continue
			}
			if env.SenderID == instanceID || env.Expired() {
				continue
			}
			select {
			case sub.ch <- &env:
			default:
				slog.Warn("group subscriber backlogged, message dropped",
					"group", groupID, "instance", instanceID)
			}
		}
	}()
	return sub, nil
}

// Teardown removes a group explicitly.
func (gm *Groups) Teardown(groupID string) error {
	gm.mu.Lock()
	_, ok := gm.groups[groupID]
	gm.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	gm.remove(groupID, "explicit")
	return nil
}

// remove drops a group and releases every member subscription so that
// no goroutine or buffered envelope outlives the group.
func (gm *Groups) remove(groupID, reason string) {
	gm.mu.Lock()
	g, ok := gm.groups[groupID]
	delete(gm.groups, groupID)
	gm.mu.Unlock()
	if !ok {
		return
	}

	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	slog.Info("collaboration group removed", "group", groupID, "reason", reason)
}

// sweep tears down expired groups.
func (gm *Groups) sweep() {
	defer gm.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-gm.ctx.Done():
			return
		case <-ticker.C:
			gm.mu.Lock()
			var expired []string
			for id, g := range gm.groups {
				if g.Expired() {
					expired = append(expired, id)
				}
			}
			gm.mu.Unlock()
			for _, id := range expired {
				gm.remove(id, "expired")
			}
		}
	}
}

// Close stops the sweeper. Subscriptions are closed by their owners.
func (gm *Groups) Close() {
	gm.cancel()
	gm.wg.Wait()
}
