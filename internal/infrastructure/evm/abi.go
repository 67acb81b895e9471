package evm

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const escrowTupleJSON = `{"name":"data","type":"tuple","components":[
	{"name":"offerer","type":"address"},
	{"name":"claimer","type":"address"},
	{"name":"token","type":"address"},
	{"name":"amount","type":"uint256"},
	{"name":"claimHash","type":"bytes32"},
	{"name":"sequence","type":"uint256"},
	{"name":"expiry","type":"uint64"},
	{"name":"kind","type":"uint8"},
	{"name":"confirmations","type":"uint32"},
	{"name":"payIn","type":"bool"},
	{"name":"payOut","type":"bool"},
	{"name":"depositToken","type":"address"},
	{"name":"securityDeposit","type":"uint256"},
	{"name":"claimerBounty","type":"uint256"},
	{"name":"extraData","type":"bytes"}
]}`

var escrowManagerABI = `[
	{"type":"function","name":"initialize","stateMutability":"payable","inputs":[` + escrowTupleJSON + `,
		{"name":"signature","type":"bytes"},{"name":"timeout","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[` + escrowTupleJSON + `,
		{"name":"witness","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[` + escrowTupleJSON + `],"outputs":[]},
	{"type":"function","name":"cooperativeRefund","stateMutability":"nonpayable","inputs":[` + escrowTupleJSON + `,
		{"name":"signature","type":"bytes"},{"name":"timeout","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getState","stateMutability":"view","inputs":[{"name":"escrowHash","type":"bytes32"}],
		"outputs":[{"name":"state","type":"uint8"},{"name":"finishBlockheight","type":"uint256"}]},
	{"type":"function","name":"lpVault","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"}],
		"outputs":[{"name":"amount","type":"uint256"}]},
	{"type":"event","name":"Initialize","anonymous":false,"inputs":[
		{"name":"claimHash","type":"bytes32","indexed":true},
		{"name":"escrowHash","type":"bytes32","indexed":true},
		{"name":"offerer","type":"address","indexed":true}]},
	{"type":"event","name":"Claim","anonymous":false,"inputs":[
		{"name":"claimHash","type":"bytes32","indexed":true},
		{"name":"escrowHash","type":"bytes32","indexed":true},
		{"name":"witness","type":"bytes","indexed":false}]},
	{"type":"event","name":"Refund","anonymous":false,"inputs":[
		{"name":"claimHash","type":"bytes32","indexed":true},
		{"name":"escrowHash","type":"bytes32","indexed":true}]}
]`

const spvVaultABI = `[
	{"type":"function","name":"getVault","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"vaultId","type":"uint96"}],
		"outputs":[
			{"name":"utxoTxHash","type":"bytes32"},
			{"name":"utxoVout","type":"uint32"},
			{"name":"btcScript","type":"bytes"},
			{"name":"confirmations","type":"uint32"},
			{"name":"token","type":"address"},
			{"name":"gasToken","type":"address"},
			{"name":"tokenBalance","type":"uint256"},
			{"name":"gasBalance","type":"uint256"}]},
	{"type":"function","name":"getWithdrawalState","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"},{"name":"vaultId","type":"uint96"},{"name":"btcTxHash","type":"bytes32"}],
		"outputs":[{"name":"status","type":"uint8"},{"name":"blockheight","type":"uint256"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"owner","type":"address"},{"name":"vaultId","type":"uint96"},{"name":"btcTx","type":"bytes"},
		{"name":"blockheight","type":"uint64"},{"name":"confirmations","type":"uint32"}],"outputs":[]},
	{"type":"event","name":"Fronted","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"vaultId","type":"uint96","indexed":true},
		{"name":"btcTxHash","type":"bytes32","indexed":true},
		{"name":"recipient","type":"address","indexed":false}]},
	{"type":"event","name":"Claimed","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"vaultId","type":"uint96","indexed":true},
		{"name":"btcTxHash","type":"bytes32","indexed":true}]},
	{"type":"event","name":"Closed","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"vaultId","type":"uint96","indexed":true},
		{"name":"btcTxHash","type":"bytes32","indexed":true}]}
]`

// ERC20 subset used for balances and approvals.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Escrow states as stored by the escrow manager.
const (
	escrowStateNone uint8 = iota
	escrowStateCommitted
	escrowStateClaimed
	escrowStateRefunded
)

// Withdrawal states as stored by the vault contract.
const (
	withdrawalNone uint8 = iota
	withdrawalFronted
	withdrawalClaimed
	withdrawalClosed
)

var (
	escrowABI = mustParse(escrowManagerABI)
	vaultABI  = mustParse(spvVaultABI)
	tokenABI  = mustParse(erc20ABI)

	initializeTopic = escrowABI.Events["Initialize"].ID
	claimTopic      = escrowABI.Events["Claim"].ID
	refundTopic     = escrowABI.Events["Refund"].ID
	frontedTopic    = vaultABI.Events["Fronted"].ID
	claimedTopic    = vaultABI.Events["Claimed"].ID
	closedTopic     = vaultABI.Events["Closed"].ID

	// ZeroAddress is the token address of the native currency.
	ZeroAddress = common.Address{}
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %s", err))
	}
	return parsed
}
