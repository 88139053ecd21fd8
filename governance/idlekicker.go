package governance

import (
	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/events"
	"github.com/ferrumchain/ferrum/storage"
	"go.uber.org/zap"
)

// IdleKicker watches last-active timestamps per federation member and
// schedules kick votes for members silent beyond MaxIdleSeconds. It never
// mutates the roster itself — it only enqueues votes into VotingManager,
// the same as any other voter.
type IdleKicker struct {
	lastActive     *lastActiveStore
	fm             *FederationManager
	vm             *VotingManager
	tipTime        func() int64 // returns the current chain tip's header time, in unix seconds
	logger         *zap.Logger
	metrics        *Metrics
	maxIdleSeconds int64
}

// NewIdleKicker wires an IdleKicker against fm and vm, persisting its
// last-active map in db. tipTime returns the current chain tip's header
// time in unix seconds, used to seed newly added members per spec.md
// §4.3 ("lastActive[m] = consensus tip header time").
func NewIdleKicker(db storage.DB, fm *FederationManager, vm *VotingManager, tipTime func() int64, logger *zap.Logger, metrics *Metrics, maxIdleSeconds int64) *IdleKicker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdleKicker{
		lastActive:     newLastActiveStore(db),
		fm:             fm,
		vm:             vm,
		tipTime:        tipTime,
		logger:         logger.Named("idlekicker"),
		metrics:        metrics,
		maxIdleSeconds: maxIdleSeconds,
	}
}

// LoadFromDisk replays the persisted last-active map.
func (k *IdleKicker) LoadFromDisk() error {
	return k.lastActive.loadFromDisk()
}

// SeedColdStart seeds lastActive for every current member with now, so a
// freshly started node doesn't immediately declare the whole federation
// idle before it has observed any blocks.
func (k *IdleKicker) SeedColdStart(now int64) error {
	for _, m := range k.fm.GetMembers() {
		if m.IsMultisig {
			continue
		}
		if err := k.lastActive.setIfAbsent(m.Pubkey, now); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers this kicker's handlers on emitter. Synchronous
// in-process delivery (package events) guarantees BlockConnected handlers
// run to completion, including any scheduled kick vote, before block
// processing proceeds to the next block.
func (k *IdleKicker) Subscribe(emitter *events.Emitter) {
	emitter.Subscribe(events.EventBlockConnected, func(ev events.Event) {
		block, _ := ev.Data["block"].(*core.Block)
		if block == nil {
			return
		}
		if err := k.onBlockConnected(block); err != nil {
			k.logger.Error("idle kicker failed processing block", zap.Error(err), zap.Int64("height", ev.BlockHeight))
		}
	})
	emitter.Subscribe(events.EventMemberAdded, func(ev events.Event) {
		m, _ := ev.Data["member"].(FederationMember)
		if err := k.onMemberAdded(m); err != nil {
			k.logger.Error("idle kicker failed processing member-added", zap.Error(err))
		}
	})
	emitter.Subscribe(events.EventMemberKicked, func(ev events.Event) {
		pubkey, _ := ev.Data["pubkey"].(string)
		if err := k.onMemberKicked(pubkey); err != nil {
			k.logger.Error("idle kicker failed processing member-kicked", zap.Error(err))
		}
	})
}

// onBlockConnected implements spec.md §4.3's BlockConnected subscription:
// mark the proposer active, then scan the rest of the roster for members
// silent beyond MaxIdleSeconds and schedule a kick vote for each, skipping
// targets this node already voted to kick.
//
// The block's own header already identifies its proposer (PoA slot
// validation, out of scope here, guarantees that proposer is the one the
// time-slot oracle would assign), so there is no need to re-derive it
// from block.Header.Timestamp.
func (k *IdleKicker) onBlockConnected(block *core.Block) error {
	t := block.Header.Timestamp / 1e9 // stored as UnixNano; idle threshold is in seconds
	proposer := block.Header.Proposer

	if err := k.lastActive.set(proposer, t); err != nil {
		return err
	}

	if !k.fm.IsSelfFederationMember() {
		return nil
	}
	self, _ := k.fm.CurrentKey()

	for _, m := range k.fm.GetMembers() {
		if m.IsMultisig || m.Pubkey == proposer {
			continue
		}
		last, ok := k.lastActive.get(m.Pubkey)
		if !ok {
			if err := k.lastActive.set(m.Pubkey, t); err != nil {
				return err
			}
			continue
		}
		if t-last <= k.maxIdleSeconds {
			continue
		}
		if k.vm.HasVotedForKick(self, m.Pubkey) {
			continue
		}
		payload, err := SerializeMember(FederationMember{Pubkey: m.Pubkey})
		if err != nil {
			k.logger.Error("failed to serialize idle-kick target", zap.String("pubkey", m.Pubkey), zap.Error(err))
			continue
		}
		if err := k.vm.ScheduleVote(VotingData{Key: VoteKickMember, Payload: payload}); err != nil {
			if !IsDuplicateVote(err) {
				k.logger.Error("failed to schedule idle-kick vote", zap.String("pubkey", m.Pubkey), zap.Error(err))
			}
			continue
		}
		k.logger.Info("scheduled idle-kick vote", zap.String("pubkey", m.Pubkey), zap.Int64("idle_seconds", t-last))
		if k.metrics != nil {
			k.metrics.IdleKicksTotal.Inc()
		}
	}
	return nil
}

// onMemberAdded seeds lastActive for a newly added member with the
// consensus tip's header time, if not already present.
func (k *IdleKicker) onMemberAdded(m FederationMember) error {
	if m.Pubkey == "" || m.IsMultisig {
		return nil
	}
	return k.lastActive.setIfAbsent(m.Pubkey, k.tipTime())
}

// onMemberKicked drops the kicked member's lastActive entry.
func (k *IdleKicker) onMemberKicked(pubkey string) error {
	if pubkey == "" {
		return nil
	}
	return k.lastActive.delete(pubkey)
}
