package core

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ferrumchain/ferrum/events"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// BlockStore is the persistence interface used by Blockchain.
// Implementations live in the storage package.
type BlockStore interface {
	GetBlock(hash string) (*Block, error)
	PutBlock(block *Block) error
	GetBlockByHeight(height int64) (*Block, error)
	PutBlockByHeight(height int64, hash string) error
	// GetTip returns the current tip hash, or ("", nil) for a fresh chain.
	GetTip() (string, error)
	SetTip(hash string) error
	// CommitBlock atomically writes the block, its height index entry, and
	// updates the tip pointer in a single batch operation.
	CommitBlock(block *Block) error
	// DisconnectTip atomically removes the height index entry for the block
	// being unwound and rewinds the tip pointer to newTipHash, for reorg
	// support. The block's own record is left in place (history is kept;
	// only canonical-chain membership is revoked) so a later reorg can still
	// look it up by hash.
	DisconnectTip(heightToRemove int64, newTipHash string) error
}

// Blockchain manages the canonical chain: stores blocks and tracks the tip.
// It publishes BlockConnected/BlockDisconnected on emitter (if non-nil) so
// that subscribers such as package governance observe chain reorganizations
// without Blockchain depending on them.
type Blockchain struct {
	mu      sync.RWMutex
	store   BlockStore
	emitter *events.Emitter
	tip     *Block
	height  int64
}

// NewBlockchain returns a Blockchain backed by store, publishing chain
// events on emitter. Call Init() to load an existing chain tip from storage.
func NewBlockchain(store BlockStore, emitter *events.Emitter) *Blockchain {
	return &Blockchain{store: store, emitter: emitter}
}

// Init loads the persisted tip from the block store.
func (bc *Blockchain) Init() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tipHash, err := bc.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if tipHash == "" {
		return nil // fresh chain
	}
	tip, err := bc.store.GetBlock(tipHash)
	if err != nil {
		return fmt.Errorf("load tip block: %w", err)
	}
	bc.tip = tip
	bc.height = tip.Header.Height
	return nil
}

// AddBlock validates height continuity and PrevHash linkage, then persists the
// block, advances the tip, and publishes EventBlockConnected.
func (bc *Blockchain) AddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	// Validate height and PrevHash linkage.
	if bc.tip != nil {
		if block.Header.Height != bc.height+1 {
			return fmt.Errorf("block height %d does not follow tip %d", block.Header.Height, bc.height)
		}
		if block.Header.PrevHash != bc.tip.Hash {
			return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, bc.tip.Hash)
		}
	}

	if err := bc.store.CommitBlock(block); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}
	bc.tip = block
	bc.height = block.Header.Height

	if bc.emitter != nil {
		bc.emitter.Emit(events.Event{
			Type:        events.EventBlockConnected,
			BlockHeight: block.Header.Height,
			Data:        map[string]any{"block": block, "height": block.Header.Height},
		})
	}
	return nil
}

// DisconnectTip unwinds the current tip by one block, rewinding to its
// parent, and publishes EventBlockDisconnected. Returns the disconnected
// block. Disconnecting the genesis block is refused: a reorg never
// unwinds past it.
func (bc *Blockchain) DisconnectTip() (*Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.tip == nil {
		return nil, errors.New("no tip to disconnect")
	}
	if bc.tip.Header.Height == 0 {
		return nil, errors.New("cannot disconnect genesis block")
	}
	disconnected := bc.tip

	parent, err := bc.store.GetBlock(disconnected.Header.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("load parent block: %w", err)
	}
	if err := bc.store.DisconnectTip(disconnected.Header.Height, parent.Hash); err != nil {
		return nil, fmt.Errorf("disconnect tip: %w", err)
	}
	bc.tip = parent
	bc.height = parent.Header.Height

	if bc.emitter != nil {
		bc.emitter.Emit(events.Event{
			Type:        events.EventBlockDisconnected,
			BlockHeight: disconnected.Header.Height,
			Data:        map[string]any{"block": disconnected, "height": disconnected.Header.Height},
		})
	}
	return disconnected, nil
}

// GetBlock returns a block by its hash.
func (bc *Blockchain) GetBlock(hash string) (*Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetBlock(hash)
}

// GetBlockByHeight returns the block at the given height.
func (bc *Blockchain) GetBlockByHeight(height int64) (*Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.store.GetBlockByHeight(height)
}

// Tip returns the current chain tip, or nil for a fresh chain.
func (bc *Blockchain) Tip() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Height returns the height of the current tip (0 for a fresh chain).
func (bc *Blockchain) Height() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.height
}
