package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/ferrumchain/ferrum/core"
	"github.com/ferrumchain/ferrum/governance"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   core.State
	admin   *governance.Admin
	chainID string // expected chain_id; used to reject cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, admin *governance.Admin, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, admin: admin, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	case "voteAddMember":
		return h.voteAddMember(req)

	case "voteKickMember":
		return h.voteKickMember(req)

	case "voteWhitelistHash":
		return h.voteWhitelistHash(req)

	case "voteRemoveHash":
		return h.voteRemoveHash(req)

	case "listPendingPolls":
		return okResponse(req.ID, h.admin.ListPendingPolls())

	case "listApprovedPolls":
		return okResponse(req.ID, h.admin.ListApprovedPolls())

	case "listExecutedPolls":
		return okResponse(req.ID, h.admin.ListExecutedPolls())

	case "listScheduledVotes":
		return okResponse(req.ID, h.admin.ListScheduledVotes())

	case "listFederationMembers":
		return okResponse(req.ID, h.admin.ListMembers())

	case "listWhitelist":
		return okResponse(req.ID, h.admin.ListWhitelist())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}

func (h *Handler) voteAddMember(req Request) Response {
	var params struct {
		Pubkey     string `json:"pubkey"`
		IsMultisig bool   `json:"is_multisig"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	result, err := h.admin.VoteAddMember(params.Pubkey, params.IsMultisig)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, result)
}

func (h *Handler) voteKickMember(req Request) Response {
	var params struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	result, err := h.admin.VoteKickMember(params.Pubkey)
	if err != nil {
		// Multisig-target rejections carry the spec's stable message and
		// are surfaced to the caller verbatim via CodeInvalidParams.
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, result)
}

func (h *Handler) voteWhitelistHash(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	result, err := h.admin.VoteWhitelistHash(params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, result)
}

func (h *Handler) voteRemoveHash(req Request) Response {
	var params struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	result, err := h.admin.VoteRemoveHash(params.Hash)
	if err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	return okResponse(req.ID, result)
}
