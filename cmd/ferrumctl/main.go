// Command ferrumctl is an operator CLI for a running ferrumd node's
// governance admin RPC surface: casting membership/whitelist votes by hand
// and listing poll/queue state.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	rpcAddr   string
	authToken string
)

func main() {
	root := &cobra.Command{
		Use:   "ferrumctl",
		Short: "Operator CLI for ferrumd's governance admin RPC",
	}
	root.PersistentFlags().StringVar(&rpcAddr, "rpc", "http://127.0.0.1:8545", "ferrumd RPC address")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("FERRUM_RPC_TOKEN"), "RPC bearer token (defaults to $FERRUM_RPC_TOKEN)")

	root.AddCommand(
		voteAddMemberCmd(),
		voteKickMemberCmd(),
		voteWhitelistHashCmd(),
		voteRemoveHashCmd(),
		listCmd("pending-polls", "listPendingPolls"),
		listCmd("approved-polls", "listApprovedPolls"),
		listCmd("executed-polls", "listExecutedPolls"),
		listCmd("scheduled-votes", "listScheduledVotes"),
		listCmd("members", "listFederationMembers"),
		listCmd("whitelist", "listWhitelist"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func voteAddMemberCmd() *cobra.Command {
	var multisig bool
	cmd := &cobra.Command{
		Use:   "vote-add-member <pubkey-hex>",
		Short: "Schedule a vote to add a new federation member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("voteAddMember", map[string]any{"pubkey": args[0], "is_multisig": multisig})
		},
	}
	cmd.Flags().BoolVar(&multisig, "multisig", false, "propose the new member as a multisig seat (the node rejects this: multisig seats are fixed at genesis)")
	return cmd
}

func voteKickMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote-kick-member <pubkey-hex>",
		Short: "Schedule a vote to remove a federation member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("voteKickMember", map[string]any{"pubkey": args[0]})
		},
	}
}

func voteWhitelistHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote-whitelist-hash <hash-hex>",
		Short: "Schedule a vote to add a hash to the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("voteWhitelistHash", map[string]any{"hash": args[0]})
		},
	}
}

func voteRemoveHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vote-remove-hash <hash-hex>",
		Short: "Schedule a vote to remove a hash from the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint("voteRemoveHash", map[string]any{"hash": args[0]})
		},
	}
}

func listCmd(use, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Call the %s RPC method and print the result", method),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(method, nil)
		},
	}
}

// rpcRequest and rpcResponse mirror package rpc's wire envelope without
// importing it, since ferrumctl talks to ferrumd over HTTP only.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result any `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func callAndPrint(method string, params any) error {
	result, err := call(method, params)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func call(method string, params any) (any, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, rpcAddr, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
