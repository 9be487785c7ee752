package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityTokenABI is the subset of the identity token contract the service
// calls.
const IdentityTokenABI = `[
  {"type":"function","name":"mintIdentity","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"name","type":"string"},{"name":"documentNumber","type":"string"},{"name":"bioHash","type":"bytes32"},{"name":"applicantId","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getActiveTokenByBioHash","stateMutability":"view",
   "inputs":[{"name":"bioHash","type":"bytes32"}],
   "outputs":[{"name":"tokenId","type":"uint256"},{"name":"owner","type":"address"}]},
  {"type":"function","name":"identities","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[{"name":"name","type":"string"},{"name":"documentNumber","type":"string"},{"name":"bioHash","type":"bytes32"},{"name":"kycTimestamp","type":"uint256"},{"name":"isActive","type":"bool"},{"name":"previousTokenId","type":"uint256"},{"name":"applicantId","type":"string"}]},
  {"type":"function","name":"ownerOf","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"hasRole","stateMutability":"view",
   "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"grantRole","stateMutability":"nonpayable",
   "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"MINTER_ROLE","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"event","name":"IdentityMinted","anonymous":false,
   "inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"bioHash","type":"bytes32","indexed":true},{"name":"applicantId","type":"string","indexed":false}]}
]`

// MinterRole is keccak256("MINTER_ROLE"), the AccessControl role allowed to
// mint identity tokens.
var MinterRole = crypto.Keccak256Hash([]byte("MINTER_ROLE"))

var parsedABI = mustParseABI(IdentityTokenABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ParsedABI returns the parsed contract ABI.
func ParsedABI() abi.ABI {
	return parsedABI
}
