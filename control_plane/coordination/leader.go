package coordination

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/store"
)

// EpochResource is the durable epoch row backing leader fencing tokens.
const EpochResource = "leader_election"

// LockMetadata is the lease value written by the holder.
type LockMetadata struct {
	OwnerPod  string    `json:"owner_pod"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"req_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EpochStore is the durable counter used for fencing tokens.
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// LeaderElector contends for a single lease so that only one replica runs
// the admission loop, the status poller and the dispatch monitor.
type LeaderElector struct {
	coordinator store.Coordinator
	epochs      EpochStore
	nodeID      string
	lockKey     string
	ttl         time.Duration
	logger      *slog.Logger

	leaderCtx    context.Context // valid only while leader
	leaderCancel context.CancelFunc

	mu           sync.RWMutex
	isLeader     bool
	currentValue string // exact JSON of the held lease
	currentEpoch int64

	onElected func(context.Context)
	onLost    func()

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	stepDownTime time.Time
	transitions  int64
}

type LeaderState struct {
	IsLeader     bool   `json:"isLeader"`
	CurrentEpoch int64  `json:"currentEpoch"`
	Transitions  int64  `json:"transitions"`
	NodeID       string `json:"nodeId"`
}

type fencingKey struct{}

// GetEpochFromContext extracts the fencing epoch from a leader context.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	epoch, ok := ctx.Value(fencingKey{}).(int64)
	return epoch, ok
}

func NewLeaderElector(c store.Coordinator, epochs EpochStore, nodeID string, ttl time.Duration, logger *slog.Logger) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		epochs:      epochs,
		nodeID:      nodeID,
		lockKey:     store.LeaderKey("scheduler"),
		ttl:         ttl,
		logger:      logging.OrDefault(logger).With("component", "leader", "node_id", nodeID),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetCallbacks registers hooks. onElected runs in its own goroutine with a
// context cancelled when leadership is lost; onLost runs synchronously.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	go l.loop(ctx)
}

// Stop ends the election loop, steps down and releases the lease.
func (l *LeaderElector) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

// GetState returns a snapshot for the status endpoint.
func (l *LeaderElector) GetState() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:     l.isLeader,
		CurrentEpoch: l.currentEpoch,
		Transitions:  l.transitions,
		NodeID:       l.nodeID,
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) loop(ctx context.Context) {
	defer close(l.done)

	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.resign()
			return
		case <-l.stopCh:
			l.resign()
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					l.logger.Warn("lease renew failed", "attempt", renewFailures, "max", maxRenewFailures, "error", err)
					if renewFailures >= maxRenewFailures {
						l.logger.Error("too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				l.logger.Warn("election error, backing off", "interval", interval, "error", err)
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	// Skip the epoch bump while someone else visibly holds the lease.
	holder, err := l.coordinator.GetLockOwner(ctx, l.lockKey)
	if err != nil {
		return false, err
	}
	if holder != "" {
		return false, nil
	}

	epoch, err := l.epochs.IncrementDurableEpoch(ctx, EpochResource)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
		l.logger.Warn("epoch drift detected", "previous", l.currentEpoch, "current", epoch)
		observability.LeadershipTransitions.WithLabelValues(l.nodeID, "epoch_drift").Inc()
	}
	l.currentEpoch = epoch
	l.mu.Unlock()

	now := time.Now()
	meta := LockMetadata{
		OwnerPod:  l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.coordinator.AcquireLease(ctx, l.lockKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.lockKey, val, l.ttl)
}

// resign steps down and releases the lease on shutdown.
func (l *LeaderElector) resign() {
	if !l.IsLeader() {
		return
	}
	l.stepDown()

	l.mu.Lock()
	val := l.currentValue
	l.currentValue = ""
	l.mu.Unlock()
	if val == "" {
		return
	}

	// The caller's context is usually already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, l.lockKey, val); err != nil {
		l.logger.Warn("lease release failed", "error", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = context.WithValue(ctx, fencingKey{}, l.currentEpoch)
	l.transitions++
	epoch := l.currentEpoch
	leaderCtx := l.leaderCtx

	if !l.stepDownTime.IsZero() {
		d := time.Since(l.stepDownTime)
		observability.LeadershipTransitionDuration.Observe(d.Seconds())
		l.logger.Info("became leader", "epoch", epoch, "transition", d)
		l.stepDownTime = time.Time{}
	} else {
		l.logger.Info("became leader", "epoch", epoch)
	}
	l.mu.Unlock()

	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeadershipEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.logger.Warn("lost leadership")

	if l.onLost != nil {
		l.onLost()
	}
}
