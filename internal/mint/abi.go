package mint

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// agentNFTABI covers the mint entrypoint and the Minted event of AgentNFT.
const agentNFTABI = `[
  {
    "type": "function",
    "name": "mint",
    "stateMutability": "payable",
    "inputs": [
      {
        "name": "iDatas",
        "type": "tuple[]",
        "internalType": "struct IntelligentData[]",
        "components": [
          {"name": "dataDescription", "type": "string", "internalType": "string"},
          {"name": "dataHash", "type": "bytes32", "internalType": "bytes32"}
        ]
      },
      {"name": "to", "type": "address", "internalType": "address"},
      {
        "name": "profile",
        "type": "tuple",
        "internalType": "struct AgentProfile",
        "components": [
          {"name": "personality", "type": "string", "internalType": "string"},
          {"name": "desires", "type": "string", "internalType": "string"},
          {"name": "skills", "type": "string[]", "internalType": "string[]"},
          {"name": "activityLogHash", "type": "bytes32", "internalType": "bytes32"},
          {"name": "lastPassionTimestamp", "type": "uint256", "internalType": "uint256"},
          {"name": "happinessScore", "type": "uint8", "internalType": "uint8"}
        ]
      }
    ],
    "outputs": [{"name": "tokenId", "type": "uint256", "internalType": "uint256"}]
  },
  {
    "type": "event",
    "name": "Minted",
    "anonymous": false,
    "inputs": [
      {"name": "tokenId", "type": "uint256", "indexed": true},
      {"name": "minter", "type": "address", "indexed": true},
      {"name": "to", "type": "address", "indexed": false}
    ]
  }
]`

var agentNFT = mustParseABI(agentNFTABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("mint: invalid AgentNFT ABI: " + err.Error())
	}
	return parsed
}

// MintedTopic is topic0 of the Minted event, keccak256("Minted(uint256,address,address)").
func MintedTopic() common.Hash {
	return agentNFT.Events["Minted"].ID
}

// IntelligentData is one integrity entry of the mint call.
type IntelligentData struct {
	DataDescription string   `abi:"dataDescription"`
	DataHash        [32]byte `abi:"dataHash"`
}

// OnchainProfile is the AgentProfile struct stored by the contract.
type OnchainProfile struct {
	Personality          string   `abi:"personality"`
	Desires              string   `abi:"desires"`
	Skills               []string `abi:"skills"`
	ActivityLogHash      [32]byte `abi:"activityLogHash"`
	LastPassionTimestamp *big.Int `abi:"lastPassionTimestamp"`
	HappinessScore       uint8    `abi:"happinessScore"`
}

func packMint(datas []IntelligentData, to common.Address, profile OnchainProfile) ([]byte, error) {
	return agentNFT.Pack("mint", datas, to, profile)
}
