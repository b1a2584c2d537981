package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/greg-phillips/imatrix-gateway-storage/storage/types"
)

// Chains is the narrow view of the sensor chain set the coordinator needs.
// storage.Chains satisfies it; defined here (the consumer) to avoid an
// import cycle back into the root storage package.
type Chains interface {
	Peek(sensorID uint32, n int) ([]types.Record, error)
	Claim(sensorID uint32, count int) (types.ClaimToken, error)
	Commit(token types.ClaimToken) error
	Rollback(token types.ClaimToken) error
	TotalRecords(sensorID uint32) int
	IsCorrupted(sensorID uint32) bool
}

// SequenceSource hands out monotonically increasing, restart-durable packet
// sequence numbers (SPEC_FULL §3.1 catalog).
type SequenceSource interface {
	NextSequenceNo() (uint64, error)
}

// RetryState is one sensor's persisted retry-budget bookkeeping, mirroring
// the catalog's own type so this package need not import spool directly
// (SPEC_FULL §3.1).
type RetryState struct {
	ConsumedFailures int
	MutedUntilUnixMs int64
}

// RetryCatalog persists per-sensor retry-budget state across restarts, so a
// sensor muted for thrashing right before a crash comes back up still muted
// instead of with a fresh budget (SPEC_FULL §3.1).
type RetryCatalog interface {
	SetRetryState(sensorID uint32, rs RetryState) error
	RetryStateFor(sensorID uint32) (RetryState, error)
}

// Metrics is the narrow set of counters the coordinator records into.
type Metrics interface {
	PacketSent()
	PacketCommitted()
	PacketRolledBack(cause string)
	RecordsRolledBack(n int)
	SensorsMuted(count int)
	ObserveRoundTrip(d time.Duration)
}

// Options configures a Coordinator.
type Options struct {
	GatewayID          uint64
	PacketBudgetBytes  int
	RequestTimeout     time.Duration
	RetryBudgetPerSensor int
	MuteRefillInterval time.Duration // time to regain one retry token
}

// Coordinator is the Upload Coordinator (spec §4.E): it builds a packet from
// the backlog across all sensor chains, sends it, and reconciles the
// server's response with chain state. At most one packet is in flight at a
// time (spec "Concurrency").
type Coordinator struct {
	chains       Chains
	transport    types.Transport
	seq          SequenceSource
	sensors      []uint32
	log          log.Logger
	metrics      Metrics
	retryCatalog RetryCatalog
	opts         Options

	mu         sync.Mutex
	limiters   map[uint32]*rate.Limiter
	mutedUntil map[uint32]time.Time
	consumed   map[uint32]int
}

// NewCoordinator constructs a Coordinator for the fixed sensor id set.
// retryCatalog may be nil, in which case retry-budget state is purely
// in-memory and does not survive a restart.
func NewCoordinator(chains Chains, transport types.Transport, seq SequenceSource, sensorIDs []uint32, logger log.Logger, m Metrics, retryCatalog RetryCatalog, opts Options) *Coordinator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.PacketBudgetBytes <= 0 {
		opts.PacketBudgetBytes = 4096
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.RetryBudgetPerSensor <= 0 {
		opts.RetryBudgetPerSensor = 5
	}
	if opts.MuteRefillInterval <= 0 {
		opts.MuteRefillInterval = 30 * time.Second
	}
	co := &Coordinator{
		chains:       chains,
		transport:    transport,
		seq:          seq,
		sensors:      append([]uint32(nil), sensorIDs...),
		log:          logger,
		metrics:      m,
		retryCatalog: retryCatalog,
		opts:         opts,
		limiters:     make(map[uint32]*rate.Limiter, len(sensorIDs)),
		mutedUntil:   make(map[uint32]time.Time, len(sensorIDs)),
		consumed:     make(map[uint32]int, len(sensorIDs)),
	}
	co.seedRetryState()
	return co
}

// seedRetryState restores each sensor's consumed-failure count and mute
// deadline from the catalog, draining that many tokens from a fresh limiter
// so a restart can't hand a still-thrashing sensor a full retry budget
// (SPEC_FULL §3.1).
func (co *Coordinator) seedRetryState() {
	if co.retryCatalog == nil {
		return
	}
	now := time.Now()
	for _, sensorID := range co.sensors {
		rs, err := co.retryCatalog.RetryStateFor(sensorID)
		if err != nil {
			level.Warn(co.log).Log("msg", "retry state restore failed", "sensor_id", sensorID, "err", err)
			continue
		}
		if rs.ConsumedFailures == 0 && rs.MutedUntilUnixMs == 0 {
			continue
		}
		co.mu.Lock()
		co.consumed[sensorID] = rs.ConsumedFailures
		co.mu.Unlock()
		limiter := co.limiterFor(sensorID)
		for i := 0; i < rs.ConsumedFailures; i++ {
			limiter.Allow()
		}
		if until := time.UnixMilli(rs.MutedUntilUnixMs); until.After(now) {
			co.mu.Lock()
			co.mutedUntil[sensorID] = until
			co.mu.Unlock()
		}
	}
}

// persistRetryState writes sensorID's current consumed-failure count and
// mute deadline to the catalog so the state survives a restart.
func (co *Coordinator) persistRetryState(sensorID uint32) {
	if co.retryCatalog == nil {
		return
	}
	co.mu.Lock()
	rs := RetryState{ConsumedFailures: co.consumed[sensorID]}
	if until, ok := co.mutedUntil[sensorID]; ok {
		rs.MutedUntilUnixMs = until.UnixMilli()
	}
	co.mu.Unlock()
	if err := co.retryCatalog.SetRetryState(sensorID, rs); err != nil {
		level.Warn(co.log).Log("msg", "retry state persist failed", "sensor_id", sensorID, "err", err)
	}
}

// Run repeatedly assembles and sends packets until ctx is cancelled (spec §5
// "1 uploader thread driving the Upload Coordinator").
func (co *Coordinator) Run(ctx context.Context, idleDelay time.Duration) {
	if idleDelay <= 0 {
		idleDelay = 200 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		// The packet runs under its own request timeout rather than ctx, so
		// cancelling ctx stops the loop without cutting short a packet that
		// is already in flight.
		sent, err := co.AssembleAndSend(context.Background())
		if err != nil {
			level.Error(co.log).Log("msg", "upload cycle failed", "err", err)
		}
		if !sent {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleDelay):
			}
		}
	}
}

// claimed pairs a packet group with the token that must be resolved.
type claimed struct {
	sensorID uint32
	token    types.ClaimToken
}

// AssembleAndSend runs one full packet cycle: build, transmit, resolve.
// sent is false only when every active sensor was drained or muted and
// nothing was claimed, meaning callers should back off before retrying.
func (co *Coordinator) AssembleAndSend(ctx context.Context) (sent bool, err error) {
	order := co.weightedOrder()

	remaining := co.opts.PacketBudgetBytes - headerSize
	var groups []Group
	var claims []claimed

	for _, sensorID := range order {
		if remaining <= groupHeaderSize+recordWireSize {
			break
		}
		if co.chains.IsCorrupted(sensorID) {
			continue
		}
		if co.isMuted(sensorID) {
			continue
		}
		maxRecords := (remaining - groupHeaderSize) / recordWireSize
		if maxRecords <= 0 {
			continue
		}
		records, err := co.chains.Peek(sensorID, maxRecords)
		if err != nil {
			level.Warn(co.log).Log("msg", "peek failed", "sensor_id", sensorID, "err", err)
			continue
		}
		if len(records) == 0 {
			continue
		}
		token, err := co.chains.Claim(sensorID, len(records))
		if err != nil {
			level.Warn(co.log).Log("msg", "claim failed", "sensor_id", sensorID, "err", err)
			continue
		}
		groups = append(groups, Group{SensorID: sensorID, Records: records})
		claims = append(claims, claimed{sensorID: sensorID, token: token})
		remaining -= groupHeaderSize + len(records)*recordWireSize
	}

	if len(groups) == 0 {
		return false, nil
	}

	seqNo, err := co.seq.NextSequenceNo()
	if err != nil {
		co.rollbackAll(claims)
		return true, err
	}
	frame := Frame{GatewayID: co.opts.GatewayID, SequenceNo: seqNo, Groups: groups}

	sendCtx, cancel := context.WithTimeout(ctx, co.opts.RequestTimeout)
	defer cancel()

	sendStart := time.Now()
	resp, sendErr := co.transport.Send(sendCtx, frame.Encode())
	if co.metrics != nil {
		co.metrics.PacketSent()
		co.metrics.ObserveRoundTrip(time.Since(sendStart))
	}

	switch {
	case errors.Is(sendErr, context.DeadlineExceeded):
		// Timeout: default policy is rollback, not commit (spec §4.E "On
		// timeout"). The server resolves any duplicate delivery by sequence
		// number, so we never need to know whether it actually arrived.
		co.rollbackAll(claims)
		co.penalize(claims)
		co.reportRolledBack("timeout", claims)
		return true, nil
	case sendErr != nil:
		co.rollbackAll(claims)
		co.penalize(claims)
		co.reportRolledBack("transport_error", claims)
		return true, sendErr
	}

	if resp.SequenceNo != seqNo {
		// Response doesn't match what we sent: treat as malformed (spec §4.E
		// "On malformed response").
		co.rollbackAll(claims)
		co.reportRolledBack("malformed", claims)
		level.Warn(co.log).Log("msg", "malformed upload response", "want_seq", seqNo, "got_seq", resp.SequenceNo)
		return true, nil
	}

	switch resp.Status {
	case types.StatusOK:
		for _, c := range claims {
			if err := co.chains.Commit(c.token); err != nil {
				level.Error(co.log).Log("msg", "commit failed after ack", "sensor_id", c.sensorID, "err", err)
			}
		}
		co.resetBudget(claims)
		if co.metrics != nil {
			co.metrics.PacketCommitted()
		}
	case types.StatusReject:
		co.rollbackAll(claims)
		co.penalize(claims)
		co.reportRolledBack("reject", claims)
	default: // StatusServerError
		co.rollbackAll(claims)
		co.penalize(claims)
		co.reportRolledBack("server_error", claims)
	}

	return true, nil
}

func (co *Coordinator) rollbackAll(claims []claimed) {
	for _, c := range claims {
		if err := co.chains.Rollback(c.token); err != nil {
			level.Error(co.log).Log("msg", "rollback failed", "sensor_id", c.sensorID, "err", err)
		}
	}
}

func (co *Coordinator) reportRolledBack(cause string, claims []claimed) {
	if co.metrics == nil {
		return
	}
	co.metrics.PacketRolledBack(cause)
	n := 0
	for _, c := range claims {
		n += c.token.Count
	}
	co.metrics.RecordsRolledBack(n)
}

// weightedOrder sorts sensors by descending total_records backlog (spec
// §4.E "round-robin weighting"; SPEC_FULL §4.E names x/exp/slices.SortFunc).
func (co *Coordinator) weightedOrder() []uint32 {
	order := append([]uint32(nil), co.sensors...)
	slices.SortFunc(order, func(a, b uint32) bool {
		return co.chains.TotalRecords(a) > co.chains.TotalRecords(b)
	})
	return order
}

func (co *Coordinator) limiterFor(sensorID uint32) *rate.Limiter {
	co.mu.Lock()
	defer co.mu.Unlock()
	l, ok := co.limiters[sensorID]
	if !ok {
		l = rate.NewLimiter(rate.Every(co.opts.MuteRefillInterval), co.opts.RetryBudgetPerSensor)
		co.limiters[sensorID] = l
	}
	return l
}

// penalize consumes one retry-budget token per sensor involved in a failed
// packet; a sensor whose bucket is empty is muted until it refills (spec
// §4.E "retry_budget_per_sensor bounds thrashing").
func (co *Coordinator) penalize(claims []claimed) {
	for _, c := range claims {
		allowed := co.limiterFor(c.sensorID).Allow()
		co.mu.Lock()
		co.consumed[c.sensorID]++
		if !allowed {
			co.mutedUntil[c.sensorID] = time.Now().Add(co.opts.MuteRefillInterval)
		}
		co.mu.Unlock()
		co.persistRetryState(c.sensorID)
	}
	if co.metrics != nil {
		co.metrics.SensorsMuted(co.mutedCount())
	}
}

// resetBudget restores full retry budget for sensors that just had a packet
// successfully acknowledged, so transient failures don't linger as partial
// mutes after recovery.
func (co *Coordinator) resetBudget(claims []claimed) {
	co.mu.Lock()
	for _, c := range claims {
		delete(co.limiters, c.sensorID)
		delete(co.mutedUntil, c.sensorID)
		delete(co.consumed, c.sensorID)
	}
	co.mu.Unlock()
	if co.retryCatalog == nil {
		return
	}
	for _, c := range claims {
		if err := co.retryCatalog.SetRetryState(c.sensorID, RetryState{}); err != nil {
			level.Warn(co.log).Log("msg", "retry state clear failed", "sensor_id", c.sensorID, "err", err)
		}
	}
}

func (co *Coordinator) isMuted(sensorID uint32) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	until, ok := co.mutedUntil[sensorID]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(co.mutedUntil, sensorID)
		return false
	}
	return true
}

func (co *Coordinator) mutedCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	n := 0
	now := time.Now()
	for _, until := range co.mutedUntil {
		if now.Before(until) {
			n++
		}
	}
	return n
}
