// Package heart drives the protocol's periodic work. A keeper calls Beat
// once per observation period; the beat stores prices, runs the operator,
// triggers a rebase and any periodic tasks, then pays the keeper a reward
// that grows linearly the longer the beat was left waiting.
package heart

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/event"
	"bophades/internal/kernel"
	"bophades/pkg/safe"
)

// Observer stores a moving-average asset or metric each beat.
type Observer interface {
	Observe() error
}

type Operator interface {
	Operate(caller common.Address) error
}

// Distributor rebases the managed token.
type Distributor interface {
	TriggerRebase() error
}

type RewardMinter interface {
	IncreaseMintApproval(spender common.Address, amount *uint256.Int)
	Mint(spender, to common.Address, amount *uint256.Int) error
}

// Cadence reports the observation frequency the heart beats at.
type Cadence interface {
	ObservationFrequency() time.Duration
}

// Task is a periodic call executed after the operator on every beat.
type Task interface {
	Name() string
	Execute() error
}

// TaskFunc adapts a function to Task.
type TaskFunc struct {
	Label string
	Fn    func() error
}

func (t TaskFunc) Name() string   { return t.Label }
func (t TaskFunc) Execute() error { return t.Fn() }

type Deps struct {
	Address     common.Address
	Clock       clock.Clock
	Gate        kernel.Gate
	Events      event.Recorder
	Cadence     Cadence
	Operator    Operator
	Distributor Distributor // optional
	Minter      RewardMinter
	// State lists everything a beat may mutate; it is rolled back with
	// the heart when any step fails.
	State []any
}

type namedObserver struct {
	name string
	obs  Observer
}

type Heart struct {
	guard kernel.Guard
	mu    sync.RWMutex

	address     common.Address
	clk         clock.Clock
	gate        kernel.Gate
	events      event.Recorder
	cadence     Cadence
	operator    Operator
	distributor Distributor
	minter      RewardMinter

	lastBeat        time.Time
	active          bool
	maxReward       *uint256.Int
	auctionDuration time.Duration
	observers       []namedObserver
	tasks           []Task

	participants []kernel.Stateful
}

func New(d Deps, maxReward *uint256.Int, auctionDuration time.Duration) (*Heart, error) {
	const op = "heart.new"
	switch {
	case d.Clock == nil || d.Cadence == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "clock")
	case d.Operator == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "operator")
	case d.Minter == nil:
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "minter")
	case auctionDuration > d.Cadence.ObservationFrequency():
		return nil, domain.NewValidationError(op, domain.ErrInvalidParams, "auction_duration")
	}
	if d.Gate == nil {
		d.Gate = kernel.AllowAll{}
	}
	if d.Events == nil {
		d.Events = event.Nop{}
	}
	h := &Heart{
		address:         d.Address,
		clk:             d.Clock,
		gate:            d.Gate,
		events:          d.Events,
		cadence:         d.Cadence,
		operator:        d.Operator,
		distributor:     d.Distributor,
		minter:          d.Minter,
		lastBeat:        d.Clock.Now(),
		active:          true,
		maxReward:       safe.Clone(maxReward),
		auctionDuration: auctionDuration,
	}
	values := append([]any{h, d.Operator, d.Distributor, d.Minter, d.Events}, d.State...)
	h.participants = kernel.Participants(values...)
	return h, nil
}

func (h *Heart) Address() common.Address { return h.address }

func (h *Heart) Frequency() time.Duration { return h.cadence.ObservationFrequency() }

func (h *Heart) LastBeat() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastBeat
}

func (h *Heart) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// RewardParams returns the maximum reward and the auction duration.
func (h *Heart) RewardParams() (*uint256.Int, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return safe.Clone(h.maxReward), h.auctionDuration
}

// CurrentReward is what a beat would pay right now.
func (h *Heart) CurrentReward() *uint256.Int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reward(h.clk.Now())
}

// reward rises linearly from zero at the next beat to maxReward once the
// auction duration has elapsed.
func (h *Heart) reward(now time.Time) *uint256.Int {
	freq := h.cadence.ObservationFrequency()
	next := h.lastBeat.Add(freq)
	if !now.After(next) {
		return new(uint256.Int)
	}
	duration := min(h.auctionDuration, freq)
	elapsed := now.Sub(next)
	if elapsed >= duration {
		return safe.Clone(h.maxReward)
	}
	return safe.MulDiv(h.maxReward, safe.U64(uint64(elapsed/time.Second)), safe.U64(uint64(duration/time.Second)))
}

// Beat runs one heartbeat and pays the caller. Either every step commits
// or none does.
func (h *Heart) Beat(caller common.Address) (*uint256.Int, error) {
	const op = "heart.beat"
	release, err := h.guard.Enter(op)
	if err != nil {
		return nil, err
	}
	defer release()

	freq := h.cadence.ObservationFrequency()
	now := h.clk.Now()
	h.mu.RLock()
	active, lastBeat := h.active, h.lastBeat
	observers := slices.Clone(h.observers)
	tasks := slices.Clone(h.tasks)
	h.mu.RUnlock()
	if !active {
		return nil, domain.NewStateError(op, domain.ErrBeatStopped)
	}
	if now.Before(lastBeat.Add(freq)) {
		return nil, domain.NewWaitError(op,
			fmt.Errorf("next beat at %s: %w", lastBeat.Add(freq).Format(time.RFC3339), domain.ErrOutOfCycle))
	}

	var reward *uint256.Int
	err = kernel.Transact(op, h.participants, func() error {
		for _, o := range observers {
			if err := o.obs.Observe(); err != nil {
				return domain.NewExternalCallError(op, o.name, err)
			}
		}
		if err := h.operator.Operate(h.address); err != nil {
			return domain.NewExternalCallError(op, "operator", err)
		}
		if h.distributor != nil {
			if err := h.distributor.TriggerRebase(); err != nil {
				return domain.NewExternalCallError(op, "distributor", err)
			}
		}
		for i, t := range tasks {
			if err := t.Execute(); err != nil {
				return domain.NewExternalCallError(op, fmt.Sprintf("task %d (%s)", i, t.Name()), err)
			}
		}

		h.mu.Lock()
		reward = h.reward(now)
		// Keep the original phase even when beats were skipped.
		h.lastBeat = now.Add(-(now.Sub(h.lastBeat) % freq))
		h.mu.Unlock()

		if !reward.IsZero() {
			h.minter.IncreaseMintApproval(h.address, reward)
			if err := h.minter.Mint(h.address, caller, reward); err != nil {
				return domain.NewExternalCallError(op, "MINTR", err)
			}
			h.events.Record(event.RewardIssued{To: caller, Amount: safe.Clone(reward)})
		}
		h.events.Record(event.Beat{Caller: caller, At: now})
		return nil
	})
	if err != nil {
		slog.Warn("Beat failed", slog.String("caller", caller.Hex()), slog.Any("error", err))
		return nil, err
	}
	slog.Info("💓 Beat", slog.String("caller", caller.Hex()), slog.String("reward", reward.Dec()))
	return reward, nil
}

// Activate restarts beating with a beat immediately available.
func (h *Heart) Activate(caller common.Address) error {
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = true
	h.lastBeat = h.clk.Now().Add(-h.cadence.ObservationFrequency())
	return nil
}

// Deactivate stops beating. Emergency callers may also stop it.
func (h *Heart) Deactivate(caller common.Address) error {
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		if h.gate.Require(kernel.RoleEmergency, caller) != nil {
			return err
		}
	}
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
	return nil
}

// ResetBeat makes a beat available now.
func (h *Heart) ResetBeat(caller common.Address) error {
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastBeat = h.clk.Now().Add(-h.cadence.ObservationFrequency())
	h.mu.Unlock()
	return nil
}

// SetRewardAuctionParams can only change between beats, so a waiting
// keeper's reward cannot be cut under them.
func (h *Heart) SetRewardAuctionParams(caller common.Address, maxReward *uint256.Int, auctionDuration time.Duration) error {
	const op = "heart.setRewardAuctionParams"
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	freq := h.cadence.ObservationFrequency()
	if auctionDuration > freq {
		return domain.NewValidationError(op,
			fmt.Errorf("auction duration %s exceeds frequency %s: %w", auctionDuration, freq, domain.ErrInvalidParams), "auction_duration")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clk.Now().Before(h.lastBeat.Add(freq)) {
		return domain.NewStateError(op, domain.ErrBeatAvailable)
	}
	h.maxReward = safe.Clone(maxReward)
	h.auctionDuration = auctionDuration
	return nil
}

func (h *Heart) AddObserver(caller common.Address, name string, o Observer) error {
	const op = "heart.addObserver"
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	if name == "" || o == nil {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "observer")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.observers {
		if existing.name == name {
			return domain.NewValidationError(op, fmt.Errorf("%s: %w", name, domain.ErrInvalidParams), "observer")
		}
	}
	h.observers = append(h.observers, namedObserver{name: name, obs: o})
	return nil
}

func (h *Heart) RemoveObserver(caller common.Address, name string) error {
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	i := slices.IndexFunc(h.observers, func(o namedObserver) bool { return o.name == name })
	if i < 0 {
		return domain.NewValidationError("heart.removeObserver", domain.ErrNotFound, "observer")
	}
	h.observers = slices.Delete(h.observers, i, i+1)
	return nil
}

func (h *Heart) Observers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.observers))
	for i, o := range h.observers {
		out[i] = o.name
	}
	return out
}

// AddPeriodicTask inserts t at index; an index equal to the task count appends.
func (h *Heart) AddPeriodicTask(caller common.Address, t Task, index int) error {
	const op = "heart.addPeriodicTask"
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	if t == nil {
		return domain.NewValidationError(op, domain.ErrInvalidParams, "task")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index > len(h.tasks) {
		return domain.NewValidationError(op, fmt.Errorf("index %d: %w", index, domain.ErrInvalidParams), "index")
	}
	h.tasks = slices.Insert(h.tasks, index, t)
	return nil
}

func (h *Heart) RemovePeriodicTask(caller common.Address, index int) error {
	if err := h.gate.Require(kernel.RoleHeartAdmin, caller); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.tasks) {
		return domain.NewValidationError("heart.removePeriodicTask", domain.ErrNotFound, "index")
	}
	h.tasks = slices.Delete(h.tasks, index, index+1)
	return nil
}

func (h *Heart) PeriodicTasks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.tasks))
	for i, t := range h.tasks {
		out[i] = t.Name()
	}
	return out
}

type snapshot struct {
	lastBeat time.Time
	active   bool
}

func (h *Heart) Snapshot() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot{lastBeat: h.lastBeat, active: h.active}
}

func (h *Heart) Restore(s any) {
	snap := s.(snapshot)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBeat = snap.lastBeat
	h.active = snap.active
}
