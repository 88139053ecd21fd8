package network

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/ferrumchain/ferrum/core"
)

// GetBlocksRequest asks a peer for blocks starting at FromHeight.
type GetBlocksRequest struct {
	FromHeight int64 `json:"from_height"`
	Limit      int   `json:"limit"`
}

// BlocksResponse carries a batch of blocks.
type BlocksResponse struct {
	Blocks []*core.Block `json:"blocks"`
}

// BlockValidator validates a block before it is accepted into the chain.
type BlockValidator interface {
	ValidateBlock(block *core.Block) error
}

// BlockExecutor applies all transactions in a block against the state.
type BlockExecutor interface {
	ExecuteBlock(block *core.Block) error
}

// Syncer handles block synchronisation between nodes, including
// reorganizing onto a competing fork up to maxReorgDepth blocks deep.
// Blocks beyond that depth are refused rather than silently accepted,
// since package governance's poll execution delay assumes no reorg ever
// unwinds further than MaxReorgLength.
type Syncer struct {
	node          *Node
	bc            *core.Blockchain
	validator     BlockValidator
	exec          BlockExecutor // may be nil; if set, state is also required
	state         core.State    // may be nil; used with exec to commit after each block
	maxReorgDepth int64
}

// NewSyncer creates a Syncer that requests missing blocks from peers.
// Pass non-nil exec and state so that synced blocks are fully applied to the
// local state; without them the node will have blocks but no account state.
// maxReorgDepth bounds how far the syncer will unwind the local chain to
// reconcile a fork; it should match the node's governance
// FederationConfig.MaxReorgLength.
func NewSyncer(node *Node, bc *core.Blockchain, validator BlockValidator, exec BlockExecutor, state core.State, maxReorgDepth int64) *Syncer {
	s := &Syncer{node: node, bc: bc, validator: validator, exec: exec, state: state, maxReorgDepth: maxReorgDepth}
	node.Handle(MsgGetBlocks, s.handleGetBlocks)
	node.Handle(MsgBlocks, s.handleBlocks)
	return s
}

// RequestBlocks asks peer for blocks starting at fromHeight.
func (s *Syncer) RequestBlocks(peer *Peer, fromHeight int64) error {
	req, err := json.Marshal(GetBlocksRequest{FromHeight: fromHeight, Limit: 50})
	if err != nil {
		return err
	}
	return peer.Send(Message{Type: MsgGetBlocks, Payload: req})
}

func (s *Syncer) handleGetBlocks(peer *Peer, msg Message) {
	var req GetBlocksRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Limit <= 0 || req.Limit > 200 {
		req.Limit = 50
	}
	blocks := make([]*core.Block, 0, req.Limit)
	for h := req.FromHeight; h < req.FromHeight+int64(req.Limit); h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

func (s *Syncer) handleBlocks(_ *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	for _, b := range resp.Blocks {
		if err := s.applyBlock(b); err != nil {
			log.Printf("[sync] block %d: %v", b.Header.Height, err)
			continue
		}
	}
}

// applyBlock reconciles any fork b implies, validates it, executes it, and
// commits it to the chain, rolling back state on any failure.
func (s *Syncer) applyBlock(b *core.Block) error {
	if err := s.reconcileFork(b); err != nil {
		return fmt.Errorf("reconcile fork: %w", err)
	}

	if s.validator != nil {
		if err := s.validator.ValidateBlock(b); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	// Take a snapshot so we can revert if AddBlock fails.
	var snapID int
	if s.exec != nil && s.state != nil {
		var err error
		snapID, err = s.state.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		if err := s.exec.ExecuteBlock(b); err != nil {
			_ = s.state.RevertToSnapshot(snapID)
			return fmt.Errorf("execution failed: %w", err)
		}
	}

	if err := s.bc.AddBlock(b); err != nil {
		if s.exec != nil && s.state != nil {
			_ = s.state.RevertToSnapshot(snapID)
		}
		return fmt.Errorf("add failed: %w", err)
	}

	if s.exec != nil && s.state != nil {
		if err := s.state.Commit(); err != nil {
			log.Fatalf("[sync] FATAL: block %d state commit failed: %v", b.Header.Height, err)
		}
	}
	return nil
}

// reconcileFork unwinds the local tip, one block at a time, until it is
// b's direct parent — or b already extends the tip directly, in which
// case nothing happens. Each DisconnectTip call publishes
// EventBlockDisconnected synchronously, so subscribers such as package
// governance observe every unwound block in order before this function
// returns. Returns an error (refusing the fork) rather than unwind past
// maxReorgDepth, or past genesis.
func (s *Syncer) reconcileFork(b *core.Block) error {
	tip := s.bc.Tip()
	if tip == nil || b.Header.PrevHash == tip.Hash {
		return nil // fresh chain, or b extends the current tip directly
	}

	var depth int64
	for tip != nil && tip.Hash != b.Header.PrevHash {
		if depth >= s.maxReorgDepth {
			return fmt.Errorf("fork exceeds max reorg depth %d", s.maxReorgDepth)
		}
		if _, err := s.bc.DisconnectTip(); err != nil {
			return fmt.Errorf("disconnect tip: %w", err)
		}
		tip = s.bc.Tip()
		depth++
	}
	if tip == nil {
		return fmt.Errorf("no common ancestor found for block at height %d", b.Header.Height)
	}
	return nil
}
